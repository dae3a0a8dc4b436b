package shellmux

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"unicode/utf8"

	"github.com/gluk-w/webssh/internal/logutil"
	"github.com/gluk-w/webssh/internal/remote"
	"github.com/gluk-w/webssh/internal/wire"
)

// ErrDuplicateSession is reported when a shell id is opened while a session
// with the same id is live or still opening.
var ErrDuplicateSession = errors.New("shell session already open")

// ErrStopped is returned by Handle once the multiplexer has torn down.
var ErrStopped = errors.New("shell multiplexer stopped")

// SessionState is the lifecycle state of one shell session.
type SessionState string

const (
	SessionOpening SessionState = "opening"
	SessionOpen    SessionState = "open"
	SessionClosed  SessionState = "closed"
)

// Recorder is notified when shell sessions start and end. Calls are made
// from the multiplexer goroutine and must not block.
type Recorder interface {
	ShellOpened(id string)
	ShellClosed(id string)
}

// Options configures a Mux.
type Options struct {
	Recorder Recorder
	// InboxSize bounds queued requests and notifications. Zero selects 64.
	InboxSize int
}

// session is one live shell channel.
type session struct {
	id    string
	ch    remote.Channel
	input *inputQueue
	state SessionState
}

// Mux multiplexes shell sessions for one transport. Create with New and run
// with Run; Handle may be called from any goroutine.
type Mux struct {
	conn     remote.Conn
	out      *wire.Queue
	recorder Recorder

	inbox    chan message
	done     chan struct{}
	stopOnce sync.Once

	// openMu serializes channel opens on the shared connection.
	openMu sync.Mutex

	// Owned by the Run goroutine.
	sessions map[string]*session
	// opening maps ids being opened to whether a close arrived meanwhile.
	opening map[string]bool
}

// New creates a Mux opening shells on conn and pushing responses and events
// into out.
func New(conn remote.Conn, out *wire.Queue, opts Options) *Mux {
	size := opts.InboxSize
	if size <= 0 {
		size = 64
	}
	return &Mux{
		conn:     conn,
		out:      out,
		recorder: opts.Recorder,
		inbox:    make(chan message, size),
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
		opening:  make(map[string]bool),
	}
}

type message interface{ isMessage() }

type requestMsg struct {
	tag uint64
	req wire.Request
}

type openResultMsg struct {
	tag uint64
	id  string
	ch  remote.Channel
	err error
}

type closedMsg struct {
	s   *session
	err error
}

type listMsg struct {
	reply chan map[string]SessionState
}

func (requestMsg) isMessage()    {}
func (openResultMsg) isMessage() {}
func (closedMsg) isMessage()     {}
func (listMsg) isMessage()       {}

// Handle submits a shell request. Only ShellOpen, ShellData and ShellClose
// are accepted.
func (m *Mux) Handle(env wire.RequestEnvelope) error {
	switch env.Request.(type) {
	case wire.ShellOpen, wire.ShellData, wire.ShellClose:
	default:
		return fmt.Errorf("unsupported request %T", env.Request)
	}
	if !m.post(requestMsg{tag: env.Tag, req: env.Request}) {
		return ErrStopped
	}
	return nil
}

// Sessions returns the ids of registered sessions and their states. It
// returns nil once the multiplexer has stopped.
func (m *Mux) Sessions() map[string]SessionState {
	reply := make(chan map[string]SessionState, 1)
	if !m.post(listMsg{reply: reply}) {
		return nil
	}
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return nil
	}
}

// Done is closed once the multiplexer has torn down.
func (m *Mux) Done() <-chan struct{} { return m.done }

// post delivers msg to the Run goroutine unless the multiplexer stopped.
func (m *Mux) post(msg message) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.inbox <- msg:
		return true
	case <-m.done:
		return false
	}
}

// emit pushes an event unless the multiplexer stopped.
func (m *Mux) emit(v any) {
	select {
	case <-m.done:
		return
	default:
	}
	m.out.Push(v)
}

func (m *Mux) respond(tag uint64, response any) {
	m.out.Push(wire.ResponseEnvelope{Tag: tag, Response: response})
}

// Run processes requests and channel notifications until ctx ends or the
// remote connection ends, then force-closes every session. It returns the
// connection's error when the connection ended on its own.
func (m *Mux) Run(ctx context.Context) error {
	defer m.teardown()

	for {
		select {
		case <-m.conn.Done():
			return m.conn.Err()
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.conn.Done():
			return m.conn.Err()
		case msg := <-m.inbox:
			m.dispatch(ctx, msg)
		}
	}
}

func (m *Mux) dispatch(ctx context.Context, msg message) {
	switch msg := msg.(type) {
	case requestMsg:
		switch req := msg.req.(type) {
		case wire.ShellOpen:
			m.open(ctx, msg.tag, req.ID)
		case wire.ShellData:
			if s, ok := m.sessions[req.ID]; ok {
				s.input.push([]byte(req.Data))
			}
			m.respond(msg.tag, nil)
		case wire.ShellClose:
			if s, ok := m.sessions[req.ID]; ok {
				go closeChannel(s)
			} else if _, ok := m.opening[req.ID]; ok {
				m.opening[req.ID] = true
			}
			m.respond(msg.tag, nil)
		}
	case openResultMsg:
		m.opened(msg)
	case closedMsg:
		m.closed(msg)
	case listMsg:
		states := make(map[string]SessionState, len(m.sessions)+len(m.opening))
		for id := range m.opening {
			states[id] = SessionOpening
		}
		for id, s := range m.sessions {
			states[id] = s.state
		}
		msg.reply <- states
	}
}

func (m *Mux) open(ctx context.Context, tag uint64, id string) {
	if _, pending := m.opening[id]; pending || m.sessions[id] != nil {
		log.Printf("[shellmux] rejected duplicate open of %s", logutil.SanitizeForLog(id))
		m.respond(tag, wire.ErrorResponse{Error: fmt.Sprintf("%v: %s", ErrDuplicateSession, id)})
		return
	}
	m.opening[id] = false

	go func() {
		m.openMu.Lock()
		ch, err := m.conn.OpenShell(ctx)
		m.openMu.Unlock()

		if !m.post(openResultMsg{tag: tag, id: id, ch: ch, err: err}) && ch != nil {
			ch.Close()
		}
	}()
}

func (m *Mux) opened(msg openResultMsg) {
	closeRequested := m.opening[msg.id]
	delete(m.opening, msg.id)
	safeID := logutil.SanitizeForLog(msg.id)

	if msg.err != nil {
		log.Printf("[shellmux] open %s failed: %v", safeID, msg.err)
		m.respond(msg.tag, wire.ErrorResponse{Error: msg.err.Error()})
		return
	}
	if m.sessions[msg.id] != nil {
		msg.ch.Close()
		m.respond(msg.tag, wire.ErrorResponse{Error: fmt.Sprintf("%v: %s", ErrDuplicateSession, msg.id)})
		return
	}

	s := &session{
		id:    msg.id,
		ch:    msg.ch,
		input: newInputQueue(),
		state: SessionOpen,
	}
	m.sessions[msg.id] = s
	// The acknowledgment is queued before the reader starts, so the client
	// never sees output for an id it has not been told is open.
	m.respond(msg.tag, wire.OpenResponse{Open: msg.id})
	go m.readLoop(s)
	go writeLoop(s)

	if m.recorder != nil {
		m.recorder.ShellOpened(msg.id)
	}
	log.Printf("[shellmux] opened %s (%d live)", safeID, len(m.sessions))
	if closeRequested {
		go closeChannel(s)
	}
}

func (m *Mux) closed(msg closedMsg) {
	s := msg.s
	if m.sessions[s.id] != s {
		return
	}
	// Channels also end when the connection drops; teardown handles those
	// without per-id events.
	select {
	case <-m.conn.Done():
		return
	default:
	}
	delete(m.sessions, s.id)
	s.state = SessionClosed
	s.input.close()
	go closeChannel(s)

	m.emit(wire.ShellClosed(s.id))
	if m.recorder != nil {
		m.recorder.ShellClosed(s.id)
	}
	log.Printf("[shellmux] closed %s (%d live)", logutil.SanitizeForLog(s.id), len(m.sessions))
}

// teardown force-closes all sessions without per-id events.
func (m *Mux) teardown() {
	m.stopOnce.Do(func() {
		close(m.done)
		for id, s := range m.sessions {
			s.state = SessionClosed
			s.input.close()
			go closeChannel(s)
			if m.recorder != nil {
				m.recorder.ShellClosed(id)
			}
		}
		if n := len(m.sessions); n > 0 {
			log.Printf("[shellmux] teardown closed %d sessions", n)
		}
		m.sessions = make(map[string]*session)
		m.opening = make(map[string]bool)
	})
}

func closeChannel(s *session) {
	if err := s.ch.Close(); err != nil {
		log.Printf("[shellmux] close %s: %v", logutil.SanitizeForLog(s.id), err)
	}
}

// readLoop relays channel output until the channel ends, then reports the
// end to the Run goroutine. Chunks are cut on UTF-8 boundaries so a
// character split across reads is not mangled by JSON encoding.
func (m *Mux) readLoop(s *session) {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, err := s.ch.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			complete, rest := splitUTF8(data)
			pending = append([]byte(nil), rest...)
			if len(complete) > 0 {
				m.emit(wire.ShellOutput(s.id, string(complete)))
			}
		}
		if err != nil {
			if len(pending) > 0 {
				m.emit(wire.ShellOutput(s.id, string(pending)))
			}
			m.post(closedMsg{s: s, err: err})
			return
		}
	}
}

// writeLoop feeds queued input to the channel until the queue is closed or a
// write fails. A failed write is left to the reader to notice.
func writeLoop(s *session) {
	for {
		chunks, ok := s.input.wait()
		if !ok {
			return
		}
		for _, c := range chunks {
			if _, err := s.ch.Write(c); err != nil {
				log.Printf("[shellmux] write to %s: %v", logutil.SanitizeForLog(s.id), err)
				s.input.close()
				return
			}
		}
	}
}

// splitUTF8 splits b before a trailing incomplete UTF-8 sequence.
func splitUTF8(b []byte) (complete, rest []byte) {
	// Look back at most UTFMax-1 bytes for the start of the last rune.
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b, nil
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return b, nil
			}
			return b[:len(b)-i], b[len(b)-i:]
		}
	}
	return b, nil
}
