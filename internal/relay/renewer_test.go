package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenRenewer_GetTokenAcquiresOnce(t *testing.T) {
	var calls atomic.Int32
	tp := &mockTokenProvider{
		tokenFn: func(_ context.Context, audience string, _ time.Duration) (SecurityToken, error) {
			calls.Add(1)
			return SecurityToken{TokenString: "tok", Audience: audience, ExpiresAtUTC: time.Now().Add(time.Hour)}, nil
		},
	}
	r := NewTokenRenewer(tp, "aud", 0, discardLogger())
	defer r.Close()

	for range 3 {
		tok, err := r.GetToken(context.Background())
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		if tok.TokenString != "tok" {
			t.Errorf("token = %q, want %q", tok.TokenString, "tok")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("provider called %d times, want 1 (cached token should be reused)", got)
	}
}

func TestTokenRenewer_GetTokenReacquiresAfterExpiry(t *testing.T) {
	var calls atomic.Int32
	tp := &mockTokenProvider{
		tokenFn: func(_ context.Context, audience string, _ time.Duration) (SecurityToken, error) {
			calls.Add(1)
			// Expire immediately so the next GetToken must re-acquire.
			return SecurityToken{TokenString: "tok", Audience: audience, ExpiresAtUTC: time.Now().Add(-time.Second)}, nil
		},
	}
	r := NewTokenRenewer(tp, "aud", 0, discardLogger())
	defer r.Close()

	if _, err := r.GetToken(context.Background()); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if _, err := r.GetToken(context.Background()); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("provider called %d times, want 2 (expired token should trigger reacquire)", got)
	}
}

// TestTokenRenewer_FailedScheduledRenewalRecoveredByGetToken verifies spec
// §4.2: a scheduled renewal that fails does not reschedule itself, but the
// next GetToken call notices the cached token is expired and retries.
func TestTokenRenewer_FailedScheduledRenewalRecoveredByGetToken(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	tp := &mockTokenProvider{
		tokenFn: func(_ context.Context, audience string, _ time.Duration) (SecurityToken, error) {
			calls.Add(1)
			if fail.Load() {
				return SecurityToken{}, errors.New("transient failure")
			}
			return SecurityToken{TokenString: "tok", Audience: audience, ExpiresAtUTC: time.Now().Add(20 * time.Millisecond)}, nil
		},
	}
	r := NewTokenRenewer(tp, "aud", 0, discardLogger())
	defer r.Close()

	if _, err := r.GetToken(context.Background()); err != nil {
		t.Fatalf("initial GetToken: %v", err)
	}

	// Simulate the scheduled renewal firing and failing, the way onTimer
	// would when its AfterFunc fires, without waiting on the real timer.
	// Then wait past the cached token's expiry so the next GetToken is
	// forced to retry.
	fail.Store(true)
	r.onTimer()
	time.Sleep(30 * time.Millisecond)

	fail.Store(false)
	tok, err := r.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken after failed renewal: %v", err)
	}
	if tok.TokenString != "tok" {
		t.Errorf("token = %q, want %q", tok.TokenString, "tok")
	}
	if got := calls.Load(); got < 3 {
		t.Errorf("provider called %d times, want at least 3 (initial, failed renewal, recovery)", got)
	}
}

// TestTokenRenewer_RenewalDelayFiresFiveMinutesBeforeExpiry matches spec
// scenario S7: a token expiring in 6 minutes arms for ~1 minute (expiry
// minus the 5-minute refresh margin), not for the full 6 minutes.
func TestTokenRenewer_RenewalDelayFiresFiveMinutesBeforeExpiry(t *testing.T) {
	got := renewalDelay(time.Now().Add(6 * time.Minute))
	want := time.Minute
	if got < want-2*time.Second || got > want+2*time.Second {
		t.Errorf("renewalDelay(6m) = %v, want ~%v", got, want)
	}
}

func TestTokenRenewer_RenewalDelayFloorsAtZero(t *testing.T) {
	if got := renewalDelay(time.Now().Add(time.Minute)); got != 0 {
		t.Errorf("renewalDelay(1m) = %v, want 0 (already within the refresh margin)", got)
	}
}

func TestTokenRenewer_OnRenewedCalledOnEveryAcquisition(t *testing.T) {
	var renewed atomic.Int32
	tp := &mockTokenProvider{token: "tok"}
	r := NewTokenRenewer(tp, "aud", time.Hour, discardLogger())
	r.OnRenewed = func(SecurityToken) { renewed.Add(1) }
	defer r.Close()

	if _, err := r.GetToken(context.Background()); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got := renewed.Load(); got != 1 {
		t.Errorf("OnRenewed called %d times, want 1", got)
	}
}

func TestTokenRenewer_GetTokenPropagatesProviderError(t *testing.T) {
	tp := &mockTokenProvider{err: errors.New("denied")}
	r := NewTokenRenewer(tp, "aud", time.Hour, discardLogger())
	defer r.Close()

	if _, err := r.GetToken(context.Background()); err == nil {
		t.Fatal("expected error from provider")
	}
}
