package capsule

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu       sync.Mutex
	online   bool
	probes   int
	onOnline []func()
}

func (p *fakeProber) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *fakeProber) CheckNetworkStatus(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.online
}

func (p *fakeProber) OnOnline(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOnline = append(p.onOnline, fn)
}

func (p *fakeProber) goOnline() {
	p.mu.Lock()
	p.online = true
	fns := append([]func(){}, p.onOnline...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type recordingNavigator struct {
	mu        sync.Mutex
	path      string
	redirects []string
}

func (n *recordingNavigator) CurrentPath() string { return n.path }

func (n *recordingNavigator) Redirect(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, target)
}

func (n *recordingNavigator) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

func newTestContinuation(store Store, prober *fakeProber, nav *recordingNavigator) (*AuthContinuationService, *fakeClock) {
	s := NewAuthContinuationService(AuthContinuationConfig{
		Store:     store,
		Prober:    prober,
		Navigator: nav,
		Logger:    quietLogger(),
	})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	return s, clock
}

func TestSaveAuthOperationNeverStoresPasswords(t *testing.T) {
	store := NewMemoryStore()
	s, _ := newTestContinuation(store, &fakeProber{}, &recordingNavigator{path: "/capsules/new"})
	ctx := context.Background()

	err := s.SaveAuthOperation(ctx, AuthRegister, map[string]string{
		"email":           "ada@example.com",
		"name":            "Ada",
		"password":        "hunter2-secret",
		"confirmPassword": "hunter2-secret",
		"PASSWORD_HINT":   "hunter2-secret",
	})
	require.NoError(t, err)

	raw, ok, err := store.Get(ctx, KeyPendingAuth)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "hunter2-secret")
	assert.NotContains(t, strings.ToLower(raw), "password")

	op, ok := s.PendingAuth(ctx)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"email": "ada@example.com", "name": "Ada"}, op.Credentials)
	assert.Equal(t, "/capsules/new", op.RedirectURL)
	assert.Equal(t, 0, op.RetryCount)
}

func TestPendingAuthIsASingleton(t *testing.T) {
	s, _ := newTestContinuation(NewMemoryStore(), &fakeProber{}, &recordingNavigator{})
	ctx := context.Background()

	require.NoError(t, s.SaveAuthOperation(ctx, AuthLogin, map[string]string{"email": "a@example.com"}))
	require.NoError(t, s.SaveAuthOperation(ctx, AuthRegister, map[string]string{"email": "b@example.com"}))

	assert.False(t, s.HasPendingAuth(ctx, AuthLogin))
	assert.True(t, s.HasPendingAuth(ctx, AuthRegister))

	require.NoError(t, s.ClearPendingAuth(ctx))
	assert.False(t, s.HasPendingAuth(ctx, AuthRegister))
}

func TestRetryPendingAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("offline does nothing", func(t *testing.T) {
		prober := &fakeProber{}
		nav := &recordingNavigator{path: "/"}
		s, _ := newTestContinuation(NewMemoryStore(), prober, nav)
		require.NoError(t, s.SaveAuthOperation(ctx, AuthLogin, map[string]string{"email": "ada@example.com"}))

		target, err := s.RetryPendingAuth(ctx)
		require.NoError(t, err)
		assert.Empty(t, target)
		assert.Empty(t, nav.all())
		op, ok := s.PendingAuth(ctx)
		require.True(t, ok)
		assert.Equal(t, 0, op.RetryCount)
	})

	t.Run("nothing pending skips the probe", func(t *testing.T) {
		prober := &fakeProber{online: true}
		s, _ := newTestContinuation(NewMemoryStore(), prober, &recordingNavigator{})
		target, err := s.RetryPendingAuth(ctx)
		require.NoError(t, err)
		assert.Empty(t, target)
		assert.Equal(t, 0, prober.probes)
	})

	t.Run("online redirects to login", func(t *testing.T) {
		prober := &fakeProber{online: true}
		nav := &recordingNavigator{path: "/capsules/new"}
		s, _ := newTestContinuation(NewMemoryStore(), prober, nav)
		require.NoError(t, s.SaveAuthOperation(ctx, AuthLogin, map[string]string{"email": "ada@example.com", "password": "x"}))

		var events []any
		s.On(EventAuthRedirect, func(_ string, p any) { events = append(events, p) })

		target, err := s.RetryPendingAuth(ctx)
		require.NoError(t, err)

		u, err := url.Parse(target)
		require.NoError(t, err)
		assert.Equal(t, "/login", u.Path)
		assert.Equal(t, "ada@example.com", u.Query().Get("email"))
		assert.Equal(t, "true", u.Query().Get("pendingAuth"))
		assert.Equal(t, "/capsules/new", u.Query().Get("redirect"))
		assert.False(t, u.Query().Has("password"))
		assert.Equal(t, []string{target}, nav.all())
		assert.Equal(t, []any{target}, events)

		op, ok := s.PendingAuth(ctx)
		require.True(t, ok)
		assert.Equal(t, 1, op.RetryCount)
	})

	t.Run("register carries the name", func(t *testing.T) {
		prober := &fakeProber{online: true}
		nav := &recordingNavigator{path: "/register"}
		s, _ := newTestContinuation(NewMemoryStore(), prober, nav)
		require.NoError(t, s.SaveAuthOperation(ctx, AuthRegister, map[string]string{"email": "ada@example.com", "name": "Ada L"}))

		target, err := s.RetryPendingAuth(ctx)
		require.NoError(t, err)
		u, err := url.Parse(target)
		require.NoError(t, err)
		assert.Equal(t, "/register", u.Path)
		assert.Equal(t, "Ada L", u.Query().Get("name"))
		assert.False(t, u.Query().Has("redirect"))
	})

	t.Run("expired record is discarded", func(t *testing.T) {
		prober := &fakeProber{online: true}
		nav := &recordingNavigator{}
		s, clock := newTestContinuation(NewMemoryStore(), prober, nav)
		require.NoError(t, s.SaveAuthOperation(ctx, AuthLogin, map[string]string{"email": "ada@example.com"}))

		clock.Advance(DefaultAuthExpiry + time.Minute)
		target, err := s.RetryPendingAuth(ctx)
		require.NoError(t, err)
		assert.Empty(t, target)
		assert.Empty(t, nav.all())
		assert.False(t, s.HasPendingAuth(ctx, AuthLogin))
	})

	t.Run("retry limit", func(t *testing.T) {
		prober := &fakeProber{online: true}
		nav := &recordingNavigator{}
		s, _ := newTestContinuation(NewMemoryStore(), prober, nav)
		require.NoError(t, s.SaveAuthOperation(ctx, AuthLogin, map[string]string{"email": "ada@example.com"}))

		for i := 0; i < DefaultAuthRetryLimit; i++ {
			target, err := s.RetryPendingAuth(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, target)
		}
		target, err := s.RetryPendingAuth(ctx)
		require.NoError(t, err)
		assert.Empty(t, target)
		assert.Len(t, nav.all(), DefaultAuthRetryLimit)
		assert.False(t, s.HasPendingAuth(ctx, AuthLogin))
	})

	t.Run("unreadable record is removed", func(t *testing.T) {
		store := NewMemoryStore()
		s, _ := newTestContinuation(store, &fakeProber{online: true}, &recordingNavigator{})
		require.NoError(t, store.Set(ctx, KeyPendingAuth, "{"))
		_, ok := s.PendingAuth(ctx)
		assert.False(t, ok)
		_, ok, _ = store.Get(ctx, KeyPendingAuth)
		assert.False(t, ok)
	})
}

func TestAuthContinuationStart(t *testing.T) {
	ctx := context.Background()
	prober := &fakeProber{}
	nav := &recordingNavigator{path: "/"}
	s, _ := newTestContinuation(NewMemoryStore(), prober, nav)
	require.NoError(t, s.SaveAuthOperation(ctx, AuthLogin, map[string]string{"email": "ada@example.com"}))

	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, nav.all(), "no redirect while offline")

	prober.goOnline()
	require.Eventually(t, func() bool { return len(nav.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(nav.all()[0], "/login?"))
}
