package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TokenRenewer keeps a single audience's token fresh for as long as it is
// open. It schedules a one-shot timer before every expiry and re-acquires
// from the TokenProvider when the timer fires (spec §4.2).
type TokenRenewer struct {
	provider TokenProvider
	audience string
	validFor time.Duration
	logger   *slog.Logger

	// OnRenewed is invoked (off any lock) every time a new token is
	// acquired, including the very first GetToken call. May be nil.
	OnRenewed func(SecurityToken)
	// OnRenewFailed is invoked whenever an acquisition fails, whether a
	// scheduled re-acquisition or one made by GetToken. The renewer does not
	// reschedule itself on failure; the next GetToken call
	// re-arms the timer (spec §4.2).
	OnRenewFailed func(error)

	mu          sync.Mutex
	current     SecurityToken
	have        bool
	timer       *time.Timer
	closed      bool
	subscribers map[int]func(SecurityToken)
	nextSubID   int
}

// hookOnRenewed registers an additional callback invoked (off any lock)
// whenever a token is (re)acquired, alongside OnRenewed. Used by
// ControlConnection to push a renewed token onto an already-open channel
// without displacing any caller-supplied OnRenewed. Returns an unsubscribe
// function.
func (r *TokenRenewer) hookOnRenewed(fn func(SecurityToken)) func() {
	r.mu.Lock()
	if r.subscribers == nil {
		r.subscribers = make(map[int]func(SecurityToken))
	}
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// NewTokenRenewer constructs a renewer for one audience. validFor is the
// lifetime requested from the provider on every acquisition.
func NewTokenRenewer(provider TokenProvider, audience string, validFor time.Duration, logger *slog.Logger) *TokenRenewer {
	if logger == nil {
		logger = slog.Default()
	}
	if validFor <= 0 {
		validFor = minRefreshInterval
	}
	return &TokenRenewer{provider: provider, audience: audience, validFor: validFor, logger: logger}
}

// GetToken returns a currently valid token, acquiring one if none has been
// fetched yet or the cached one has expired, and (re)arms the renewal timer.
// A scheduled renewal that fails does not reschedule itself (spec §4.2): the
// cached token's expiry is what it is, so the next GetToken call after such
// a failure finds it expired and retries here instead of handing back a
// stale token forever.
func (r *TokenRenewer) GetToken(ctx context.Context) (SecurityToken, error) {
	r.mu.Lock()
	if r.have && time.Now().Before(r.current.ExpiresAtUTC) {
		tok := r.current
		r.mu.Unlock()
		return tok, nil
	}
	r.mu.Unlock()
	return r.acquire(ctx)
}

func (r *TokenRenewer) acquire(ctx context.Context) (SecurityToken, error) {
	tok, err := r.provider.GetToken(ctx, r.audience, r.validFor)
	if err != nil {
		if r.OnRenewFailed != nil {
			r.OnRenewFailed(err)
		}
		return SecurityToken{}, err
	}

	r.mu.Lock()
	r.current = tok
	r.have = true
	closed := r.closed
	if !closed {
		r.arm(tok)
	}
	subs := make([]func(SecurityToken), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	if r.OnRenewed != nil {
		r.OnRenewed(tok)
	}
	for _, fn := range subs {
		fn(tok)
	}
	return tok, nil
}

// arm schedules the next acquisition at renewalDelay before expiry. Must be
// called with r.mu held.
func (r *TokenRenewer) arm(tok SecurityToken) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(renewalDelay(tok.ExpiresAtUTC), r.onTimer)
}

// renewalDelay computes max(expiresAt-now-minRefreshInterval, 0): the
// renewer fires minRefreshInterval before expiry, not at expiry itself
// (spec §4.2 invariant: "fires no later than max(expiresAt - 5 min, now)").
func renewalDelay(expiresAt time.Time) time.Duration {
	delay := time.Until(expiresAt) - minRefreshInterval
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (r *TokenRenewer) onTimer() {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	if _, err := r.acquire(context.Background()); err != nil {
		r.logger.Warn("token renewal failed", "audience", r.audience, "error", err)
	}
}

// Close cancels the pending timer. GetToken may still be called afterward
// but will no longer self-renew.
func (r *TokenRenewer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
