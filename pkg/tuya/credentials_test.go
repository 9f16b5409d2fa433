package tuya

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeIssuer struct {
	calls atomic.Int32
	delay time.Duration

	mu     sync.Mutex
	tokens []string
	err    error
	life   time.Duration
}

func (f *fakeIssuer) IssueToken(ctx context.Context) (Token, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Token{}, f.err
	}
	tok := "token"
	if int(n) <= len(f.tokens) {
		tok = f.tokens[n-1]
	}
	life := f.life
	if life == 0 {
		life = 2 * time.Hour
	}
	return Token{AccessToken: tok, ExpiresIn: life}, nil
}

func (f *fakeIssuer) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(issuer TokenIssuer) (*CredentialCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	cache := NewCredentialCache(issuer, nil, nil)
	cache.now = clock.Now
	return cache, clock
}

func TestEnsureValid_ConcurrentCallersShareOneRenewal(t *testing.T) {
	issuer := &fakeIssuer{delay: 20 * time.Millisecond, tokens: []string{"first", "second"}}
	cache, _ := newTestCache(issuer)

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = cache.EnsureValid(context.Background())
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), issuer.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "first", tokens[i])
	}
}

func TestEnsureValid_NoRenewalOutsideWindow(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"first", "second"}}
	cache, clock := newTestCache(issuer)

	tok, err := cache.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", tok)

	// 2h lifetime: anything earlier than 1h55m after issuance keeps the token.
	for _, step := range []time.Duration{time.Minute, time.Hour, 53 * time.Minute} {
		clock.Advance(step)
		tok, err = cache.EnsureValid(context.Background())
		require.NoError(t, err)
		require.Equal(t, "first", tok)
	}
	require.Equal(t, int32(1), issuer.calls.Load())
}

func TestEnsureValid_RenewsInsideWindow(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"first", "second"}}
	cache, clock := newTestCache(issuer)

	_, err := cache.EnsureValid(context.Background())
	require.NoError(t, err)

	clock.Advance(2*time.Hour - 5*time.Minute)
	tok, err := cache.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "second", tok)
	require.Equal(t, int32(2), issuer.calls.Load())

	cred, ok := cache.Current()
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(2*time.Hour), cred.ExpiresAt)
}

func TestEnsureValid_FailureKeepsPriorCredential(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"first"}}
	cache, clock := newTestCache(issuer)

	_, err := cache.EnsureValid(context.Background())
	require.NoError(t, err)
	before, _ := cache.Current()

	clock.Advance(2*time.Hour - time.Minute)
	issuer.fail(errors.New("network down"))

	_, err = cache.EnsureValid(context.Background())
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)

	after, ok := cache.Current()
	require.True(t, ok)
	require.Equal(t, before, after)
}

func TestEnsureValid_KeepsIssuerCredentialError(t *testing.T) {
	orig := &CredentialError{Status: 500, Err: errors.New("upstream")}
	issuer := &fakeIssuer{err: orig}
	cache, _ := newTestCache(issuer)

	_, err := cache.EnsureValid(context.Background())
	require.Same(t, orig, err)
}

func TestInvalidateAndRefresh(t *testing.T) {
	issuer := &fakeIssuer{tokens: []string{"first", "second", "third"}}
	cache, _ := newTestCache(issuer)

	_, err := cache.EnsureValid(context.Background())
	require.NoError(t, err)

	cache.Invalidate()
	tok, err := cache.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "second", tok)

	cred, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "third", cred.Token)
	require.Equal(t, int32(3), issuer.calls.Load())
}

func TestStatus(t *testing.T) {
	issuer := &fakeIssuer{life: time.Hour}
	cache, clock := newTestCache(issuer)

	require.Equal(t, TokenStateNone, cache.Status().State)

	_, err := cache.EnsureValid(context.Background())
	require.NoError(t, err)

	st := cache.Status()
	require.Equal(t, TokenStateActive, st.State)
	require.True(t, st.Valid)
	require.Equal(t, time.Hour, st.Remaining)

	clock.Advance(2 * time.Hour)
	st = cache.Status()
	require.Equal(t, TokenStateExpired, st.State)
	require.False(t, st.Valid)
	require.Zero(t, st.Remaining)
}
