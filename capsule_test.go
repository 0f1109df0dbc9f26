package capsule

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timecapsule-app/capsule-sdk-go/internal/mockapi"
)

func newMock() *mockapi.Server {
	return mockapi.New(mockapi.WithLogger(quietLogger()))
}

// signIn registers a fresh account through the client.
func signIn(t *testing.T, c *Client) *AuthData {
	t.Helper()
	auth, err := c.Auth.Register(context.Background(), &RegisterOptions{
		Name:     "Ada",
		Email:    "ada@example.com",
		Password: "correct horse",
	})
	require.NoError(t, err)
	return auth
}

func TestClientEnvironment(t *testing.T) {
	assert.Equal(t, DefaultBaseURL, NewClient().BaseURL())
	assert.Equal(t, "http://localhost:5000", NewClient(WithEnvironment(Development)).BaseURL())
	assert.Equal(t, "https://capsules.example", NewClient(WithBaseURL("https://capsules.example/")).BaseURL())
}

func TestClientLocaleIsPersisted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, KeyLocale, "de"))

	c := NewClient(WithStore(store), WithLogger(quietLogger()))
	assert.Equal(t, "de", c.Locale())

	require.NoError(t, c.SetLocale(ctx, "fr"))
	v, _, _ := store.Get(ctx, KeyLocale)
	assert.Equal(t, "fr", v)
}

func TestClientCapsuleLifecycle(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	c, _ := newTestClient(t, mock, WithLocale("fr"))

	auth := signIn(t, c)
	assert.NotEmpty(t, auth.Token)
	assert.Equal(t, "Ada", auth.User.Name)
	assert.True(t, c.Session().IsAuthenticated(ctx))

	me, err := c.Auth.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.User.ID, me.ID)

	created, err := c.Capsules.Create(ctx, &CreateCapsuleOptions{
		Title:       "Letter to 2030",
		Content:     "Hello from the past",
		ReleaseDate: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.Released)

	list, err := c.Capsules.List(ctx, &ListOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	for _, req := range mock.Requests() {
		assert.Equal(t, "fr", req.AcceptLanguage, "%s %s", req.Method, req.Path)
	}

	t.Run("offline reads come from the cache", func(t *testing.T) {
		mock.SetHealthy(false)
		c.Connectivity().SetOnline(false)
		defer func() {
			mock.SetHealthy(true)
			c.Connectivity().SetOnline(true)
		}()
		before := len(mock.Requests())

		cached, err := c.Capsules.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, cached, 1)
		assert.Equal(t, "Letter to 2030", cached[0].Title)

		one, err := c.Capsules.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, one.ID)

		_, err = c.Capsules.Get(ctx, "unknown")
		assert.ErrorIs(t, err, ErrOffline)

		_, err = c.Capsules.ListPublic(ctx, nil)
		assert.ErrorIs(t, err, ErrOffline)

		assert.Len(t, mock.Requests(), before, "nothing reaches the server while offline")
	})

	require.NoError(t, c.Capsules.Delete(ctx, created.ID))
	_, err = c.Capsules.Get(ctx, created.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Capsule not found", apiErr.Detail)
}

func TestClientRejectsMissingOptions(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	c, _ := newTestClient(t, mock)

	_, err := c.Auth.Register(ctx, nil)
	assert.ErrorIs(t, err, ErrMissingOptions)
	_, err = c.Capsules.Create(ctx, nil)
	assert.ErrorIs(t, err, ErrMissingOptions)
	_, err = c.Subscriptions.Create(ctx, nil)
	assert.ErrorIs(t, err, ErrMissingOptions)

	assert.Empty(t, mock.Requests())
	assert.Zero(t, c.Queue().Len())
}

func TestClientLoginWithWrongPassword(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	_, err := mock.SeedUser("Ada", "ada@example.com", "right", "user")
	require.NoError(t, err)
	c, _ := newTestClient(t, mock)

	_, err = c.Auth.Login(ctx, "ada@example.com", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
	assert.Equal(t, "Invalid email or password", apiErr.Detail)
	assert.False(t, c.Continuation().HasPendingAuth(ctx, AuthLogin), "server rejections are not resumed")

	auth, err := c.Auth.Login(ctx, "ada@example.com", "right")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", auth.User.Email)

	require.NoError(t, c.Auth.Logout(ctx))
	assert.False(t, c.Session().IsAuthenticated(ctx))
}

func TestClientOfflineLoginIsResumed(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	_, err := mock.SeedUser("Ada", "ada@example.com", "s3cret-pass", "user")
	require.NoError(t, err)
	nav := &recordingNavigator{path: "/capsules"}
	c, _ := newTestClient(t, mock, WithNavigator(nav))

	mock.SetHealthy(false)
	c.Connectivity().SetOnline(false)
	_, err = c.Auth.Login(ctx, "ada@example.com", "s3cret-pass")
	require.ErrorIs(t, err, ErrOffline)
	var queued *QueuedError
	assert.False(t, errors.As(err, &queued), "sign-ins are never queued")
	assert.Zero(t, c.Queue().Len())

	raw, ok, err := c.Store().Get(ctx, KeyPendingAuth)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "s3cret-pass")
	assert.True(t, c.Continuation().HasPendingAuth(ctx, AuthLogin))

	// Start probes the recovered mock, which brings the client back online.
	mock.SetHealthy(true)
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return len(nav.all()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/login?email=ada%40example.com&pendingAuth=true&redirect=%2Fcapsules", nav.all()[0])

	_, err = c.Auth.Login(ctx, "ada@example.com", "s3cret-pass")
	require.NoError(t, err)
	assert.False(t, c.Continuation().HasPendingAuth(ctx, AuthLogin))
}

func TestClientOfflineCreateIsQueued(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	c, _ := newTestClient(t, mock)
	signIn(t, c)

	var sent atomic.Int32
	c.On(EventQueueSent, func(string, any) { sent.Add(1) })

	mock.SetHealthy(false)
	c.Connectivity().SetOnline(false)
	_, err := c.Capsules.Create(ctx, &CreateCapsuleOptions{Title: "Offline note", ReleaseDate: time.Now().Add(time.Hour)})
	var queued *QueuedError
	require.ErrorAs(t, err, &queued)
	assert.ErrorIs(t, err, ErrQueued)

	items := c.Queue().Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Critical)
	assert.Equal(t, "/api/capsules", items[0].Path)

	raw, ok, err := c.Store().Get(ctx, KeyPendingRequests)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, queued.ID)

	mock.SetHealthy(true)
	c.Connectivity().SetOnline(true)
	res := result(t, queued.Done)
	require.NoError(t, res.Err)

	var got Capsule
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.Equal(t, "Offline note", got.Title)

	list, err := c.Capsules.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.Eventually(t, func() bool { return sent.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClientQueuedRequestsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	store := NewMemoryStore()

	first, _ := newTestClient(t, mock, WithStore(store))
	signIn(t, first)
	mock.SetHealthy(false)
	first.Connectivity().SetOnline(false)
	_, err := first.Capsules.Create(ctx, &CreateCapsuleOptions{Title: "Survivor", ReleaseDate: time.Now().Add(time.Hour)})
	require.ErrorIs(t, err, ErrQueued)
	first.Close()
	mock.SetHealthy(true)

	second, _ := newTestClient(t, mock, WithStore(store))
	require.NoError(t, second.Start(ctx))
	assert.Zero(t, second.Queue().Len())

	list, err := second.Capsules.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Survivor", list[0].Title)

	_, ok, err := store.Get(ctx, KeyPendingRequests)
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to persist")
}

func TestClientRestartWhileOfflineKeepsQueuedRequests(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	first := NewClient(WithBaseURL(base), WithStore(store), WithLogger(quietLogger()))
	first.sleep = (&sleepRecorder{}).sleep
	var ids []string
	for _, title := range []string{"First", "Second"} {
		_, err := first.Capsules.Create(ctx, &CreateCapsuleOptions{Title: title, ReleaseDate: time.Now().Add(time.Hour)})
		var queued *QueuedError
		require.ErrorAs(t, err, &queued)
		ids = append(ids, queued.ID)
	}
	first.Close()

	second := NewClient(WithBaseURL(base), WithStore(store), WithLogger(quietLogger()))
	t.Cleanup(second.Close)
	second.sleep = (&sleepRecorder{}).sleep
	require.NoError(t, second.Start(ctx))

	assert.False(t, second.Connectivity().IsOnline())
	items := second.Queue().Items()
	require.Len(t, items, 2)
	assert.Equal(t, ids, []string{items[0].ID, items[1].ID})
	for _, it := range items {
		assert.Zero(t, it.RetryCount)
	}

	raw, ok, err := store.Get(ctx, KeyPendingRequests)
	require.NoError(t, err)
	require.True(t, ok)
	for _, id := range ids {
		assert.Contains(t, raw, id)
	}
}

func TestClientServerErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	c, rec := newTestClient(t, mock)
	signIn(t, c)

	mock.FailNext(http.StatusServiceUnavailable, 2)
	list, err := c.Capsules.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.all())

	mock.FailNext(http.StatusInternalServerError, 3)
	_, err = c.Capsules.List(ctx, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "SERVER_ERROR", apiErr.Code)
	assert.Contains(t, apiErr.Message, "(ref: ")
}

func TestClientAdminRequiresRole(t *testing.T) {
	ctx := context.Background()
	mock := newMock()
	_, err := mock.SeedUser("Root", "root@example.com", "pw", "admin")
	require.NoError(t, err)
	c, _ := newTestClient(t, mock)
	signIn(t, c)

	_, err = c.Admin.Dashboard(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.True(t, c.Session().IsAuthenticated(ctx), "403 keeps the session")

	_, err = c.Auth.Login(ctx, "root@example.com", "pw")
	require.NoError(t, err)
	stats, err := c.Admin.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)

	users, err := c.Admin.Users(ctx, &ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestClientSubscriptions(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, newMock())
	signIn(t, c)

	_, err := c.Subscriptions.Current(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	sub, err := c.Subscriptions.Create(ctx, &CreateSubscriptionOptions{Plan: "premium", PayPalSubscriptionID: "I-123"})
	require.NoError(t, err)
	assert.Equal(t, "active", sub.Status)

	cur, err := c.Subscriptions.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, cur.ID)

	cancelled, err := c.Subscriptions.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.Status)
}

func TestClientCommentsAndRatings(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t, newMock())
	signIn(t, c)

	created, err := c.Capsules.Create(ctx, &CreateCapsuleOptions{
		Title:       "Open now",
		ReleaseDate: time.Now().Add(-time.Hour),
		IsPublic:    true,
	})
	require.NoError(t, err)

	rated, err := c.Capsules.Rate(ctx, created.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, rated.RatingCount)
	assert.InDelta(t, 4.0, rated.Rating, 0.001)

	_, err = c.Capsules.Comment(ctx, created.ID, "lovely")
	require.NoError(t, err)
	comments, err := c.Capsules.Comments(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "lovely", comments[0].Text)

	public, err := c.Capsules.ListPublic(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, public, 1)
}
