package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is one of the request kinds a shell transport accepts:
// TokenRequest, ShellOpen, ShellData or ShellClose.
type Request interface {
	isRequest()
}

// TokenRequest asks for a fresh single-use token.
type TokenRequest struct{}

// ShellOpen opens a shell session under a client-chosen id.
type ShellOpen struct {
	ID string
}

// ShellData writes input to a shell session.
type ShellData struct {
	ID   string
	Data string
}

// ShellClose asks for a shell session to be closed.
type ShellClose struct {
	ID string
}

func (TokenRequest) isRequest() {}
func (ShellOpen) isRequest()    {}
func (ShellData) isRequest()    {}
func (ShellClose) isRequest()   {}

// RequestEnvelope is a decoded {tag, request} message.
type RequestEnvelope struct {
	Tag     uint64
	Request Request
}

type rawEnvelope struct {
	Tag     *uint64                    `json:"tag"`
	Request map[string]json.RawMessage `json:"request"`
}

type rawShellTarget struct {
	ID    string          `json:"id"`
	Data  *string         `json:"data"`
	Close json.RawMessage `json:"close"`
}

// ParseRequest decodes a request envelope. Any shape outside the enumerated
// request kinds yields an error wrapping ErrMalformed.
func ParseRequest(data []byte) (RequestEnvelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return RequestEnvelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Tag == nil && raw.Request == nil {
		return RequestEnvelope{}, ErrNotEnvelope
	}
	if raw.Tag == nil {
		return RequestEnvelope{}, fmt.Errorf("%w: missing tag", ErrMalformed)
	}
	env := RequestEnvelope{Tag: *raw.Tag}

	if _, ok := raw.Request["token"]; ok {
		env.Request = TokenRequest{}
		return env, nil
	}

	shell, ok := raw.Request["shell"]
	if !ok {
		return RequestEnvelope{}, fmt.Errorf("%w: unknown request kind", ErrMalformed)
	}
	shell = bytes.TrimSpace(shell)

	if len(shell) > 0 && shell[0] == '"' {
		var id string
		if err := json.Unmarshal(shell, &id); err != nil {
			return RequestEnvelope{}, fmt.Errorf("%w: shell id: %v", ErrMalformed, err)
		}
		if id == "" {
			return RequestEnvelope{}, fmt.Errorf("%w: empty shell id", ErrMalformed)
		}
		env.Request = ShellOpen{ID: id}
		return env, nil
	}

	var target rawShellTarget
	if err := json.Unmarshal(shell, &target); err != nil {
		return RequestEnvelope{}, fmt.Errorf("%w: shell request: %v", ErrMalformed, err)
	}
	if target.ID == "" {
		return RequestEnvelope{}, fmt.Errorf("%w: shell request without id", ErrMalformed)
	}
	switch {
	case target.Close != nil:
		env.Request = ShellClose{ID: target.ID}
	case target.Data != nil:
		env.Request = ShellData{ID: target.ID, Data: *target.Data}
	default:
		return RequestEnvelope{}, fmt.Errorf("%w: shell request without data or close", ErrMalformed)
	}
	return env, nil
}

// MarshalRequest encodes a request envelope the way a client sends it.
func MarshalRequest(tag uint64, req Request) ([]byte, error) {
	var body any
	switch r := req.(type) {
	case TokenRequest:
		body = map[string]any{"token": nil}
	case ShellOpen:
		body = map[string]any{"shell": r.ID}
	case ShellData:
		body = map[string]any{"shell": map[string]string{"id": r.ID, "data": r.Data}}
	case ShellClose:
		body = map[string]any{"shell": map[string]any{"id": r.ID, "close": struct{}{}}}
	default:
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
	return json.Marshal(map[string]any{"tag": tag, "request": body})
}

// ResponseEnvelope answers the request with the same tag. A nil Response is
// an empty acknowledgment.
type ResponseEnvelope struct {
	Tag      uint64 `json:"tag"`
	Response any    `json:"response,omitempty"`
}

// OpenResponse acknowledges a ShellOpen.
type OpenResponse struct {
	Open string `json:"open"`
}

// TokenResponse carries a token, both as the handshake reply and as the
// answer to a TokenRequest.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse reports a failure, both as a response payload and as the
// handshake failure push.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ShellEvent is pushed for shell output (Data set) or shell end (Close set).
type ShellEvent struct {
	ID    string    `json:"id"`
	Data  *string   `json:"data,omitempty"`
	Close *struct{} `json:"close,omitempty"`
}

// Event is the body of an unsolicited push.
type Event struct {
	Shell *ShellEvent `json:"shell,omitempty"`
}

// EventEnvelope wraps an Event for the transport.
type EventEnvelope struct {
	Event Event `json:"event"`
}

// ShellOutput builds the push for a chunk of shell output.
func ShellOutput(id, data string) EventEnvelope {
	return EventEnvelope{Event: Event{Shell: &ShellEvent{ID: id, Data: &data}}}
}

// ShellClosed builds the push announcing that a shell has ended.
func ShellClosed(id string) EventEnvelope {
	return EventEnvelope{Event: Event{Shell: &ShellEvent{ID: id, Close: &struct{}{}}}}
}

// Inbound is any message a shell-transport client can receive: the
// handshake reply, a response or an event.
type Inbound struct {
	Tag      *uint64         `json:"tag,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Event    *Event          `json:"event,omitempty"`
	Token    *string         `json:"token,omitempty"`
	Error    *string         `json:"error,omitempty"`
}

// ParseInbound decodes a server-to-client message.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return in, nil
}
