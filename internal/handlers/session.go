package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gluk-w/webssh/internal/audit"
	"github.com/gluk-w/webssh/internal/config"
	"github.com/gluk-w/webssh/internal/logutil"
	"github.com/gluk-w/webssh/internal/remote"
	"github.com/gluk-w/webssh/internal/shellmux"
	"github.com/gluk-w/webssh/internal/wire"
)

// outboundQueueSize bounds responses and events waiting for the writer.
const outboundQueueSize = 256

// SessionWS serves the shell protocol. The first message is the credentials
// object; a successful handshake is answered with {token} and one remote
// connection then backs every shell the client opens. A failed handshake is
// answered with {error} and the transport is closed with 4500.
//
// When the remote connection ends, every shell is closed without per-id
// close events, an {error} is pushed if the connection failed, and the
// transport is closed.
func (s *Server) SessionWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, acceptOptions())
	if err != nil {
		log.Printf("[session] failed to accept websocket: %v", err)
		return
	}
	defer ws.CloseNow()

	conn := wire.NewConn(ws, config.Cfg.MaxMessageSize, config.Cfg.CompressThreshold)
	transportID := uuid.NewString()
	trail := s.Auditor.Trail(audit.Scope{Transport: transportID, SourceIP: audit.SourceIP(r)})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var creds remote.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		s.rejectHandshake(ctx, conn, trail, "invalid credentials")
		return
	}
	trail = trail.WithRemote(creds.Host, creds.Username)

	rc, err := s.Connector.Connect(ctx, creds)
	if err != nil {
		log.Printf("[session] %s: connect to %s failed: %v", transportID, logutil.SanitizeForLog(creds.Address()), err)
		s.rejectHandshake(ctx, conn, trail, err.Error())
		return
	}
	defer rc.Close()
	trail.Log(audit.EventConnect, "addr="+creds.Address())
	log.Printf("[session] %s: connected to %s as %s", transportID, logutil.SanitizeForLog(creds.Address()), logutil.SanitizeForLog(creds.Username))

	if err := conn.Write(ctx, wire.TokenResponse{Token: s.Tokens.Issue(0).Value}); err != nil {
		return
	}

	out := wire.NewQueue(outboundQueueSize)
	mux := shellmux.New(rc, out, shellmux.Options{Recorder: trail})
	// Producers blocked on a full queue must not outlive the transport.
	context.AfterFunc(ctx, out.Close)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := out.WriteLoop(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("[session] %s: write failed: %v", transportID, err)
			cancel()
		}
	}()
	go func() {
		if err := s.readRequests(ctx, conn, mux, out); err != nil {
			cancel()
		}
	}()

	runErr := mux.Run(ctx)

	if ctx.Err() != nil {
		out.Close()
		trail.Log(audit.EventDisconnect, "client closed")
		log.Printf("[session] %s: client closed", transportID)
		return
	}

	code, reason := websocket.StatusNormalClosure, ""
	if runErr != nil {
		out.Push(wire.ErrorResponse{Error: runErr.Error()})
		code, reason = closeRemoteFailure, "remote connection failed"
		trail.Log(audit.EventDisconnect, "error="+runErr.Error())
		log.Printf("[session] %s: remote connection failed: %v", transportID, runErr)
	} else {
		trail.Log(audit.EventDisconnect, "remote closed")
		log.Printf("[session] %s: remote connection closed", transportID)
	}
	out.Close()
	<-writeDone
	conn.Close(code, reason)
}

func (s *Server) rejectHandshake(ctx context.Context, conn *wire.Conn, trail *audit.Trail, msg string) {
	trail.Log(audit.EventConnectFailed, msg)
	if err := conn.Write(ctx, wire.ErrorResponse{Error: msg}); err != nil {
		return
	}
	conn.Close(closeRemoteFailure, "remote connection failed")
}

// errSessionEstablished answers a second credentials object on a transport
// that already owns a remote connection.
const errSessionEstablished = "remote session already established"

// readRequests decodes requests until the transport fails, returning the
// read error, or until mux stops, returning nil. Token requests are answered
// here; shell requests go to mux.
func (s *Server) readRequests(ctx context.Context, conn *wire.Conn, mux *shellmux.Mux, out *wire.Queue) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := wire.ParseRequest(data)
		if errors.Is(err, wire.ErrNotEnvelope) {
			out.Push(wire.ErrorResponse{Error: errSessionEstablished})
			continue
		}
		if err != nil {
			log.Printf("[session] dropping request: %v", err)
			continue
		}
		switch env.Request.(type) {
		case wire.TokenRequest:
			out.Push(wire.ResponseEnvelope{Tag: env.Tag, Response: wire.TokenResponse{Token: s.Tokens.Issue(0).Value}})
		default:
			if err := mux.Handle(env); err != nil {
				if errors.Is(err, shellmux.ErrStopped) {
					return nil
				}
				log.Printf("[session] dropping request %d: %v", env.Tag, err)
			}
		}
	}
}
