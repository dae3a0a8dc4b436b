// Package watch keeps a browser informed about one path on the gateway's
// filesystem. A Session is authorized by a single-use token, snapshots the
// path it is pointed at and pushes a fresh snapshot whenever the path
// changes. Navigation only moves the session once the new path has been
// successfully observed; a failed move leaves the previous path watched.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/gluk-w/webssh/internal/logutil"
	"github.com/gluk-w/webssh/internal/token"
	"github.com/gluk-w/webssh/internal/wire"
)

// ErrUnauthorized is returned when the opening message carries no valid
// token.
var ErrUnauthorized = errors.New("invalid or expired token")

// DefaultDebounce coalesces bursts of change notifications.
const DefaultDebounce = 50 * time.Millisecond

// Message is one client message on a watch transport.
type Message struct {
	Token *string
	// HasCd reports whether the message named a target at all; a null or
	// empty Cd means the home path.
	HasCd bool
	Cd    *string
}

// ParseMessage decodes {"token"?: string, "cd"?: string|null}.
func ParseMessage(data []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return Message{}, fmt.Errorf("%w: watch message is not an object", wire.ErrMalformed)
	}
	var m Message
	if v, ok := raw["token"]; ok {
		if err := json.Unmarshal(v, &m.Token); err != nil {
			return Message{}, fmt.Errorf("%w: token: %v", wire.ErrMalformed, err)
		}
	}
	if v, ok := raw["cd"]; ok {
		m.HasCd = true
		if err := json.Unmarshal(v, &m.Cd); err != nil {
			return Message{}, fmt.Errorf("%w: cd: %v", wire.ErrMalformed, err)
		}
	}
	return m, nil
}

// Recorder is told where a session was opened or navigated to, and whether
// the path could be read.
type Recorder interface {
	WatchOpened(path string, err error)
	WatchNavigated(path string, err error)
}

// Options configure a Session. Zero fields fall back to the OS filesystem,
// FSNotify and DefaultDebounce. A negative Debounce refreshes on every
// notification.
type Options struct {
	Fs       afero.Fs
	Watcher  Watcher
	Verifier token.Verifier
	Home     string
	Debounce time.Duration
	Recorder Recorder
}

// Session is the state of one watch transport. Open, Cd and Refresh must be
// called from a single goroutine; Run does so.
type Session struct {
	fs       afero.Fs
	watcher  Watcher
	verifier token.Verifier
	home     string
	debounce time.Duration
	recorder Recorder
	out      *wire.Queue

	current  string
	last     Snapshot
	observer Observer
}

// NewSession creates a session pushing snapshots to out.
func NewSession(out *wire.Queue, opts Options) *Session {
	s := &Session{
		fs:       opts.Fs,
		watcher:  opts.Watcher,
		verifier: opts.Verifier,
		home:     opts.Home,
		debounce: opts.Debounce,
		recorder: opts.Recorder,
		out:      out,
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.watcher == nil {
		s.watcher = FSNotify{}
	}
	if s.debounce == 0 {
		s.debounce = DefaultDebounce
	}
	if s.home == "" {
		s.home = "/"
	}
	return s
}

// Path returns the path currently watched.
func (s *Session) Path() string { return s.current }

// Open authorizes the session with tok and starts watching path. An error
// snapshot is pushed, and the session stays open, when path cannot be read.
func (s *Session) Open(tok string, path *string) error {
	if s.verifier == nil || !s.verifier.Verify(tok) {
		return ErrUnauthorized
	}
	target := s.resolve(path)
	snap := Take(s.fs, target)
	s.current = target
	if snap.Kind != KindError {
		obs, err := s.watcher.Watch(target)
		if err != nil {
			snap = ErrorSnapshot(target, err)
		} else {
			s.observer = obs
		}
	}
	s.publish(snap)
	return nil
}

// Cd moves the session to path. The previous observer is only released once
// path is readable and observed; otherwise the error snapshot is pushed and
// the previous path stays watched. The returned error reports a failed move.
func (s *Session) Cd(path *string) error {
	target := s.resolve(path)
	snap := Take(s.fs, target)
	if snap.Kind == KindError {
		s.publish(snap)
		return errors.New(snap.Err)
	}
	obs, err := s.watcher.Watch(target)
	if err != nil {
		s.publish(ErrorSnapshot(target, err))
		return err
	}
	old := s.observer
	s.observer = obs
	s.current = target
	if old != nil {
		old.Close()
	}
	s.publish(snap)
	return nil
}

// Refresh re-snapshots the current path and pushes the result.
func (s *Session) Refresh() {
	s.publish(Take(s.fs, s.current))
}

// Close releases the observer.
func (s *Session) Close() {
	if s.observer != nil {
		s.observer.Close()
		s.observer = nil
	}
}

func (s *Session) resolve(path *string) string {
	if path == nil || *path == "" {
		return filepath.Clean(s.home)
	}
	p := *path
	if !filepath.IsAbs(p) {
		base := s.current
		if base == "" {
			base = s.home
		}
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}

func (s *Session) publish(snap Snapshot) {
	s.last = snap
	if !s.out.Push(snap) {
		log.Printf("[watch] transport closed, dropping snapshot of %s", logutil.SanitizeForLog(snap.Path))
	}
}

// Run serves one watch transport. The first message received from in must
// authorize the session; Run returns ErrUnauthorized if it does not. After
// that, cd messages navigate and observer notifications trigger debounced
// refreshes until in is closed or ctx ends.
func (s *Session) Run(ctx context.Context, in <-chan Message) error {
	var first Message
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m, ok := <-in:
		if !ok {
			return nil
		}
		first = m
	}
	if first.Token == nil {
		return ErrUnauthorized
	}
	if err := s.Open(*first.Token, first.Cd); err != nil {
		return err
	}
	defer s.Close()
	if s.recorder != nil {
		var err error
		if s.last.Kind == KindError {
			err = errors.New(s.last.Err)
		}
		s.recorder.WatchOpened(s.current, err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		fire = nil
	}
	defer stopTimer()

	for {
		var events <-chan struct{}
		if s.observer != nil {
			events = s.observer.Events()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			if !m.HasCd {
				log.Printf("[watch] ignoring message without cd")
				continue
			}
			target := s.resolve(m.Cd)
			err := s.Cd(m.Cd)
			if err == nil {
				stopTimer()
			}
			s.record(target, err)
		case <-events:
			if s.debounce < 0 {
				s.Refresh()
				continue
			}
			if fire == nil {
				timer = time.NewTimer(s.debounce)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			s.Refresh()
		}
	}
}

func (s *Session) record(path string, err error) {
	if err != nil {
		log.Printf("[watch] cd %s failed: %v", logutil.SanitizeForLog(path), err)
	}
	if s.recorder != nil {
		s.recorder.WatchNavigated(path, err)
	}
}
