// Package token issues short-lived, single-use authorization tokens.
//
// A token is handed to the browser over an already trusted transport and then
// presented once, on a different transport or as a ?t= query parameter, to
// authorize exactly one operation. Verification consumes the token; an
// unverified token disappears on its own when its TTL elapses.
package token

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an issued token stays valid when no TTL is given.
const DefaultTTL = 10 * time.Second

// Token describes one issued credential.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier is the consuming side of the authority, used by sessions that only
// need to check a presented token.
type Verifier interface {
	Verify(value string) bool
}

type entry struct {
	expiresAt time.Time
	timer     *time.Timer
}

// Authority tracks live tokens. The zero value is not usable; call New.
type Authority struct {
	ttl time.Duration

	mu     sync.Mutex
	tokens map[string]*entry
	nowFn  func() time.Time
}

// New creates an Authority whose tokens live for ttl unless Issue is given
// its own TTL. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration) *Authority {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authority{
		ttl:    ttl,
		tokens: make(map[string]*entry),
		nowFn:  time.Now,
	}
}

// Issue creates a token and schedules its invalidation. A non-positive ttl
// selects the authority's default.
func (a *Authority) Issue(ttl time.Duration) Token {
	if ttl <= 0 {
		ttl = a.ttl
	}
	now := a.nowFn()
	t := Token{
		Value:     uuid.New().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	e := &entry{expiresAt: t.ExpiresAt}
	a.mu.Lock()
	a.tokens[t.Value] = e
	e.timer = time.AfterFunc(ttl, func() { a.expire(t.Value, e) })
	a.mu.Unlock()

	return t
}

// Verify reports whether value is a live token and consumes it. Only one of
// any number of concurrent callers presenting the same token gets true.
func (a *Authority) Verify(value string) bool {
	if value == "" {
		return false
	}

	a.mu.Lock()
	e, ok := a.tokens[value]
	if ok {
		delete(a.tokens, value)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	e.timer.Stop()
	// The timer may not have fired yet on a loaded machine.
	return a.nowFn().Before(e.expiresAt)
}

// expire removes the token if the entry is still the one the timer was
// scheduled for.
func (a *Authority) expire(value string, e *entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.tokens[value]; ok && cur == e {
		delete(a.tokens, value)
	}
}

// Len returns the number of live tokens.
func (a *Authority) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tokens)
}

// Stop cancels every pending expiry timer and forgets all tokens.
func (a *Authority) Stop() {
	a.mu.Lock()
	tokens := a.tokens
	a.tokens = make(map[string]*entry)
	a.mu.Unlock()

	for _, e := range tokens {
		e.timer.Stop()
	}
	if len(tokens) > 0 {
		log.Printf("[token] discarded %d unverified tokens", len(tokens))
	}
}
