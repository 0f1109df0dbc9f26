// Package capsule is the Go client SDK for the Time Capsule API.
//
// Every call goes through an offline-resilient request layer: a connectivity
// prober, a retrying executor with exponential backoff, a pending request queue
// that replays writes when the connection returns, and an auth continuation that
// resumes interrupted sign-ins.
//
// Example:
//
//	client := capsule.NewClient(
//		capsule.WithBaseURL("https://timecapsule.example.com"),
//		capsule.WithStore(store),
//	)
//	if err := client.Start(ctx); err != nil { ... }
//	defer client.Close()
//
//	auth, _ := client.Auth.Login(ctx, "ada@example.com", password)
//	c, err := client.Capsules.Create(ctx, &capsule.CreateCapsuleOptions{...})
//	var queued *capsule.QueuedError
//	if errors.As(err, &queued) {
//		res := <-queued.Done // delivered once the request replays
//	}
package capsule

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production  Environment = "production"
	Development Environment = "development"
)

var environments = map[Environment]string{
	Production:  "https://api.timecapsule.app",
	Development: "http://localhost:5000",
}

const DefaultBaseURL = "https://api.timecapsule.app"

// ============================================================================
// Client
// ============================================================================

type Client struct {
	*emitter

	baseURL       string
	httpClient    *http.Client
	store         Store
	log           logrus.FieldLogger
	metrics       *Metrics
	navigator     Navigator
	localeMu      sync.RWMutex
	locale        string
	mobile        bool
	timeout       time.Duration
	maxRetries    int
	queueRetries  int
	queueExpiry   time.Duration
	authRetries   int
	authExpiry    time.Duration
	healthPath    string
	probeInterval time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	now    func() time.Time

	session *Session
	conn    *ConnectivityService
	queue   *RequestQueue
	authc   *AuthContinuationService

	bgCtx    context.Context
	bgCancel context.CancelFunc
	startMu  sync.Mutex
	started  bool

	Auth          *AuthClient
	Capsules      *CapsulesClient
	Subscriptions *SubscriptionsClient
	Admin         *AdminClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

// WithTimeout sets the per-attempt deadline.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithStore sets where the session, pending auth, critical queued requests and
// caches live. Defaults to a MemoryStore.
func WithStore(store Store) ClientOption {
	return func(c *Client) { c.store = store }
}

func WithLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithMaxRetries sets how many times a network or 5xx failure is retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithQueueRetryLimit sets how many drain passes a failing queued request gets.
func WithQueueRetryLimit(n int) ClientOption {
	return func(c *Client) { c.queueRetries = n }
}

// WithQueueExpiry sets the default lifetime of a queued request.
func WithQueueExpiry(d time.Duration) ClientOption {
	return func(c *Client) { c.queueExpiry = d }
}

func WithAuthRetryLimit(n int) ClientOption {
	return func(c *Client) { c.authRetries = n }
}

func WithAuthExpiry(d time.Duration) ClientOption {
	return func(c *Client) { c.authExpiry = d }
}

func WithHealthPath(path string) ClientOption {
	return func(c *Client) { c.healthPath = path }
}

func WithProbeInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.probeInterval = d }
}

// WithNavigator receives auth continuation redirects.
func WithNavigator(nav Navigator) ClientOption {
	return func(c *Client) { c.navigator = nav }
}

// WithMobile tailors network error messages to link quality and data saver.
func WithMobile(mobile bool) ClientOption {
	return func(c *Client) { c.mobile = mobile }
}

// WithLocale sets the Accept-Language sent with every request. It is persisted
// on Start.
func WithLocale(lang string) ClientOption {
	return func(c *Client) { c.locale = lang }
}

// NewClient creates a client. Call Start to begin probing and restore any
// persisted queue.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		emitter:    newEmitter(),
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		healthPath: DefaultHealthPath,
		sleep:      sleepContext,
		jitter:     defaultJitter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	if c.locale == "" {
		if lang, ok, err := c.store.Get(context.Background(), KeyLocale); err == nil && ok {
			c.locale = lang
		}
	}

	c.session = NewSession(c.store)
	c.conn = NewConnectivityService(ConnectivityConfig{
		HealthURL:     c.baseURL + c.healthPath,
		ProbeInterval: c.probeInterval,
		HTTPClient:    c.httpClient,
		Logger:        c.log,
		Metrics:       c.metrics,
	})
	c.queue = NewRequestQueue(QueueConfig{
		Store:         c.store,
		Connectivity:  c.conn,
		Replay:        c.replay,
		RetryLimit:    c.queueRetries,
		DefaultExpiry: c.queueExpiry,
		Logger:        c.log,
		Metrics:       c.metrics,
	})
	c.authc = NewAuthContinuationService(AuthContinuationConfig{
		Store:      c.store,
		Prober:     c.conn,
		Navigator:  c.navigator,
		MaxRetries: c.authRetries,
		Expiry:     c.authExpiry,
		Logger:     c.log,
	})
	// one event bus for the whole client
	c.conn.emitter = c.emitter
	c.queue.emitter = c.emitter
	c.authc.emitter = c.emitter

	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	c.conn.OnOnline(func() {
		go func() {
			if err := c.queue.Drain(c.bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.WithError(err).Warn("queue drain failed")
			}
		}()
	})

	c.Auth = &AuthClient{c: c}
	c.Capsules = &CapsulesClient{c: c}
	c.Subscriptions = &SubscriptionsClient{c: c}
	c.Admin = &AdminClient{c: c}
	return c
}

// Start probes once, begins periodic probing, restores persisted queued
// requests and checks for an interrupted sign-in. Restored requests are only
// replayed when the probe reached the server. It is a no-op after the first call.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}
	c.started = true

	if lang := c.Locale(); lang != "" {
		if err := c.store.Set(ctx, KeyLocale, lang); err != nil {
			return err
		}
	}
	// Load drains under the current belief, so settle it first.
	c.conn.CheckNetworkStatus(ctx)
	c.conn.Start(c.bgCtx)
	c.authc.Start(c.bgCtx)
	return c.queue.Load(ctx)
}

// Close stops background work and removes event handlers. The store is left open.
func (c *Client) Close() {
	c.conn.Stop()
	c.bgCancel()
	c.removeAll()
}

func (c *Client) Connectivity() *ConnectivityService { return c.conn }

func (c *Client) Queue() *RequestQueue { return c.queue }

func (c *Client) Continuation() *AuthContinuationService { return c.authc }

func (c *Client) Session() *Session { return c.session }

func (c *Client) Metrics() *Metrics { return c.metrics }

func (c *Client) Store() Store { return c.store }

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Locale() string {
	c.localeMu.RLock()
	defer c.localeMu.RUnlock()
	return c.locale
}

// SetLocale changes and persists the request language.
func (c *Client) SetLocale(ctx context.Context, lang string) error {
	c.localeMu.Lock()
	c.locale = lang
	c.localeMu.Unlock()
	return c.store.Set(ctx, KeyLocale, lang)
}

func listQuery(opts *ListOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Page > 0 {
		q["page"] = strconv.Itoa(opts.Page)
	}
	if opts.Limit > 0 {
		q["limit"] = strconv.Itoa(opts.Limit)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

func decodeResult[T any](data json.RawMessage, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient signs users in and out. Sign-ins are never queued; a sign-in
// interrupted by connectivity is remembered without its password and resumed
// by redirecting to the login form.
type AuthClient struct{ c *Client }

var noQueue = &RequestOptions{QueueIfOffline: Bool(false)}

func (a *AuthClient) Login(ctx context.Context, email, password string) (*AuthData, error) {
	creds := map[string]string{"email": email, "password": password}
	data, err := a.c.Do(ctx, http.MethodPost, "/api/auth/login", creds, noQueue)
	return a.complete(ctx, AuthLogin, creds, data, err)
}

func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*AuthData, error) {
	if opts == nil {
		return nil, ErrMissingOptions
	}
	creds := map[string]string{"name": opts.Name, "email": opts.Email, "password": opts.Password}
	data, err := a.c.Do(ctx, http.MethodPost, "/api/auth/register", opts, noQueue)
	return a.complete(ctx, AuthRegister, creds, data, err)
}

func (a *AuthClient) complete(ctx context.Context, typ AuthOperationType, creds map[string]string, data json.RawMessage, err error) (*AuthData, error) {
	if err != nil {
		var netErr *NetworkError
		if errors.Is(err, ErrOffline) || errors.As(err, &netErr) {
			if saveErr := a.c.authc.SaveAuthOperation(ctx, typ, creds); saveErr != nil {
				a.c.log.WithError(saveErr).Warn("failed to save pending auth")
			}
		}
		return nil, err
	}
	auth, err := decodeJSON[AuthData](data)
	if err != nil {
		return nil, err
	}
	if err := a.c.session.Save(ctx, auth); err != nil {
		return nil, err
	}
	if err := a.c.authc.ClearPendingAuth(ctx); err != nil {
		a.c.log.WithError(err).Warn("failed to clear pending auth")
	}
	return auth, nil
}

// Logout clears the local session.
func (a *AuthClient) Logout(ctx context.Context) error {
	return a.c.session.Clear(ctx)
}

// Me fetches the signed-in profile and refreshes the cached copy.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	u, err := decodeResult[User](a.c.Do(ctx, http.MethodGet, "/api/auth/me", nil, noQueue))
	if err != nil {
		return nil, err
	}
	if err := a.c.session.SetUser(ctx, u); err != nil {
		a.c.log.WithError(err).Warn("failed to cache profile")
	}
	return u, nil
}

// ============================================================================
// Capsules
// ============================================================================

// CapsulesClient manages time capsules. Writes are queued while offline; List
// and Get fall back to the last cached listing.
type CapsulesClient struct{ c *Client }

// Create seals a new capsule. While offline it is queued as critical and
// survives a restart.
func (cc *CapsulesClient) Create(ctx context.Context, opts *CreateCapsuleOptions) (*Capsule, error) {
	if opts == nil {
		return nil, ErrMissingOptions
	}
	return decodeResult[Capsule](cc.c.Do(ctx, http.MethodPost, "/api/capsules", opts,
		&RequestOptions{Critical: true, ExpiresIn: 24 * time.Hour}))
}

func (cc *CapsulesClient) List(ctx context.Context, opts *ListOptions) ([]Capsule, error) {
	data, err := cc.c.Do(ctx, http.MethodGet, "/api/capsules", nil,
		&RequestOptions{QueueIfOffline: Bool(false), Query: listQuery(opts)})
	if err != nil {
		if errors.Is(err, ErrOffline) {
			if cached, ok := cc.cached(ctx); ok {
				return cached, nil
			}
		}
		return nil, err
	}
	list, err := decodeJSON[[]Capsule](data)
	if err != nil {
		return nil, err
	}
	if err := setJSON(ctx, cc.c.store, KeyCapsules, *list); err != nil {
		cc.c.log.WithError(err).Warn("failed to cache capsules")
	}
	return *list, nil
}

// ListPublic returns released public capsules. It is not cached.
func (cc *CapsulesClient) ListPublic(ctx context.Context, opts *ListOptions) ([]Capsule, error) {
	list, err := decodeResult[[]Capsule](cc.c.Do(ctx, http.MethodGet, "/api/capsules/public", nil,
		&RequestOptions{QueueIfOffline: Bool(false), Query: listQuery(opts)}))
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (cc *CapsulesClient) Get(ctx context.Context, id string) (*Capsule, error) {
	data, err := cc.c.Do(ctx, http.MethodGet, "/api/capsules/"+id, nil, noQueue)
	if err != nil {
		if errors.Is(err, ErrOffline) {
			if cached, ok := cc.cached(ctx); ok {
				for i := range cached {
					if cached[i].ID == id {
						return &cached[i], nil
					}
				}
			}
		}
		return nil, err
	}
	return decodeJSON[Capsule](data)
}

// Rate gives a public capsule one to five stars.
func (cc *CapsulesClient) Rate(ctx context.Context, id string, stars int) (*Capsule, error) {
	return decodeResult[Capsule](cc.c.Do(ctx, http.MethodPost, "/api/capsules/"+id+"/rate",
		map[string]int{"rating": stars}, nil))
}

func (cc *CapsulesClient) Comment(ctx context.Context, id, text string) (*Comment, error) {
	return decodeResult[Comment](cc.c.Do(ctx, http.MethodPost, "/api/capsules/"+id+"/comments",
		map[string]string{"text": text}, nil))
}

func (cc *CapsulesClient) Comments(ctx context.Context, id string) ([]Comment, error) {
	list, err := decodeResult[[]Comment](cc.c.Do(ctx, http.MethodGet, "/api/capsules/"+id+"/comments", nil, noQueue))
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (cc *CapsulesClient) Delete(ctx context.Context, id string) error {
	_, err := cc.c.Do(ctx, http.MethodDelete, "/api/capsules/"+id, nil, &RequestOptions{Critical: true})
	return err
}

func (cc *CapsulesClient) cached(ctx context.Context) ([]Capsule, bool) {
	var list []Capsule
	ok, err := getJSON(ctx, cc.c.store, KeyCapsules, &list)
	if err != nil {
		cc.c.log.WithError(err).Warn("ignoring unreadable capsule cache")
		return nil, false
	}
	return list, ok
}

// ============================================================================
// Subscriptions & admin
// ============================================================================

type SubscriptionsClient struct{ c *Client }

func (s *SubscriptionsClient) Current(ctx context.Context) (*Subscription, error) {
	return decodeResult[Subscription](s.c.Do(ctx, http.MethodGet, "/api/subscriptions/current", nil, noQueue))
}

// Create records a subscription approved by PayPal. It is queued as critical
// when offline so the approval is not lost.
func (s *SubscriptionsClient) Create(ctx context.Context, opts *CreateSubscriptionOptions) (*Subscription, error) {
	if opts == nil {
		return nil, ErrMissingOptions
	}
	return decodeResult[Subscription](s.c.Do(ctx, http.MethodPost, "/api/subscriptions", opts,
		&RequestOptions{Critical: true, ExpiresIn: 24 * time.Hour}))
}

func (s *SubscriptionsClient) Cancel(ctx context.Context, id string) (*Subscription, error) {
	return decodeResult[Subscription](s.c.Do(ctx, http.MethodPost, "/api/subscriptions/"+id+"/cancel", nil,
		&RequestOptions{Critical: true}))
}

type AdminClient struct{ c *Client }

func (a *AdminClient) Dashboard(ctx context.Context) (*DashboardStats, error) {
	return decodeResult[DashboardStats](a.c.Do(ctx, http.MethodGet, "/api/admin/dashboard", nil, noQueue))
}

func (a *AdminClient) Users(ctx context.Context, opts *ListOptions) ([]User, error) {
	list, err := decodeResult[[]User](a.c.Do(ctx, http.MethodGet, "/api/admin/users", nil,
		&RequestOptions{QueueIfOffline: Bool(false), Query: listQuery(opts)}))
	if err != nil {
		return nil, err
	}
	return *list, nil
}
