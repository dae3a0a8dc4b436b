package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gluk-w/webssh/internal/audit"
	"github.com/gluk-w/webssh/internal/config"
	"github.com/gluk-w/webssh/internal/watch"
	"github.com/gluk-w/webssh/internal/wire"
)

// WatchWS serves the watch protocol. The first message must carry a valid
// token; otherwise the transport is closed with 4401 and nothing is sent.
func (s *Server) WatchWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, acceptOptions())
	if err != nil {
		log.Printf("[watch] failed to accept websocket: %v", err)
		return
	}
	defer ws.CloseNow()

	conn := wire.NewConn(ws, config.Cfg.MaxMessageSize, config.Cfg.CompressThreshold)
	transportID := uuid.NewString()
	trail := s.Auditor.Trail(audit.Scope{Transport: transportID, SourceIP: audit.SourceIP(r)})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := wire.NewQueue(outboundQueueSize)
	// Producers blocked on a full queue must not outlive the transport.
	context.AfterFunc(ctx, out.Close)
	sess := watch.NewSession(out, watch.Options{
		Fs:       s.Fs,
		Watcher:  s.Watcher,
		Verifier: s.Tokens,
		Home:     config.Cfg.HomePath(),
		Debounce: config.Cfg.WatchDebounce,
		Recorder: trail,
	})

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := out.WriteLoop(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("[watch] %s: write failed: %v", transportID, err)
			cancel()
		}
	}()

	in := make(chan watch.Message)
	go readWatchMessages(ctx, conn, in)

	err = sess.Run(ctx, in)
	switch {
	case errors.Is(err, watch.ErrUnauthorized):
		trail.Log(audit.EventTokenRejected, "path="+r.URL.Path)
		log.Printf("[watch] %s: rejected unauthorized transport", transportID)
		conn.Close(closeUnauthorized, "Unauthorized")
	case ctx.Err() != nil || err != nil:
		log.Printf("[watch] %s: closed", transportID)
	default:
		out.Close()
		<-writeDone
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// readWatchMessages feeds decoded messages to in and closes it when the
// transport fails. An undecodable first message is passed on as an empty
// message so the session rejects it.
func readWatchMessages(ctx context.Context, conn *wire.Conn, in chan<- watch.Message) {
	defer close(in)
	first := true
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		m, err := watch.ParseMessage(data)
		if err != nil {
			log.Printf("[watch] dropping message: %v", err)
			if !first {
				continue
			}
		}
		first = false
		select {
		case in <- m:
		case <-ctx.Done():
			return
		}
	}
}
