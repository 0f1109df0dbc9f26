package capsule

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultAuthExpiry     = 24 * time.Hour
	DefaultAuthRetryLimit = 5
)

type AuthOperationType string

const (
	AuthLogin    AuthOperationType = "login"
	AuthRegister AuthOperationType = "register"
)

// PendingAuthOperation records a sign-in that failed for lack of connectivity.
// Credentials never contain a password.
type PendingAuthOperation struct {
	Type        AuthOperationType `json:"type"`
	Credentials map[string]string `json:"credentials"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	RetryCount  int               `json:"retryCount"`
}

// Navigator is the host UI: where the user is and how to send them somewhere else.
type Navigator interface {
	CurrentPath() string
	Redirect(target string)
}

// StaticNavigator reports a fixed path and hands redirects to OnRedirect.
type StaticNavigator struct {
	Path       string
	OnRedirect func(target string)
}

func (n StaticNavigator) CurrentPath() string {
	if n.Path == "" {
		return "/"
	}
	return n.Path
}

func (n StaticNavigator) Redirect(target string) {
	if n.OnRedirect != nil {
		n.OnRedirect(target)
	}
}

type authProber interface {
	IsOnline() bool
	CheckNetworkStatus(ctx context.Context) bool
	OnOnline(fn func())
}

// AuthContinuationConfig wires an AuthContinuationService.
type AuthContinuationConfig struct {
	Store      Store
	Prober     authProber
	Navigator  Navigator
	MaxRetries int
	Expiry     time.Duration
	Logger     logrus.FieldLogger
}

// AuthContinuationService remembers a failed sign-in and, once connectivity is
// back, sends the user to a pre-filled login or registration form.
type AuthContinuationService struct {
	*emitter

	store      Store
	prober     authProber
	nav        Navigator
	maxRetries int
	expiry     time.Duration
	log        logrus.FieldLogger
	now        func() time.Time

	mu sync.Mutex
}

func NewAuthContinuationService(cfg AuthContinuationConfig) *AuthContinuationService {
	s := &AuthContinuationService{
		emitter:    newEmitter(),
		store:      cfg.Store,
		prober:     cfg.Prober,
		nav:        cfg.Navigator,
		maxRetries: cfg.MaxRetries,
		expiry:     cfg.Expiry,
		log:        cfg.Logger,
		now:        time.Now,
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	if s.nav == nil {
		s.nav = StaticNavigator{}
	}
	if s.maxRetries == 0 {
		s.maxRetries = DefaultAuthRetryLimit
	}
	if s.expiry == 0 {
		s.expiry = DefaultAuthExpiry
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("component", "auth")
	return s
}

// SaveAuthOperation replaces any pending record. Keys containing "password"
// (in any case) are dropped before anything is written.
func (s *AuthContinuationService) SaveAuthOperation(ctx context.Context, typ AuthOperationType, credentials map[string]string) error {
	safe := make(map[string]string, len(credentials))
	for k, v := range credentials {
		if strings.Contains(strings.ToLower(k), "password") {
			continue
		}
		safe[k] = v
	}
	op := PendingAuthOperation{
		Type:        typ,
		Credentials: safe,
		RedirectURL: s.nav.CurrentPath(),
		Timestamp:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := setJSON(ctx, s.store, KeyPendingAuth, op); err != nil {
		return err
	}
	s.log.WithField("type", typ).Info("saved pending auth operation")
	return nil
}

// PendingAuth returns the stored record, if any. An unreadable record is removed.
func (s *AuthContinuationService) PendingAuth(ctx context.Context) (*PendingAuthOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// HasPendingAuth reports whether a record of type typ is waiting.
func (s *AuthContinuationService) HasPendingAuth(ctx context.Context, typ AuthOperationType) bool {
	op, ok := s.PendingAuth(ctx)
	return ok && op.Type == typ
}

func (s *AuthContinuationService) ClearPendingAuth(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Remove(ctx, KeyPendingAuth)
}

// RetryPendingAuth redirects the user to resume a pending sign-in when the API
// is reachable. It returns the redirect target, or "" when nothing was done.
// Stale or over-retried records are discarded without a redirect.
func (s *AuthContinuationService) RetryPendingAuth(ctx context.Context) (string, error) {
	if _, ok := s.PendingAuth(ctx); !ok {
		return "", nil
	}
	if !s.prober.CheckNetworkStatus(ctx) {
		return "", nil
	}

	s.mu.Lock()
	op, ok := s.loadLocked(ctx)
	if !ok {
		s.mu.Unlock()
		return "", nil
	}
	if s.now().Sub(op.Timestamp) > s.expiry || op.RetryCount >= s.maxRetries {
		err := s.store.Remove(ctx, KeyPendingAuth)
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"type": op.Type, "retries": op.RetryCount}).Info("discarding stale pending auth")
		return "", err
	}
	op.RetryCount++
	if err := setJSON(ctx, s.store, KeyPendingAuth, op); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()

	target := continuationURL(op)
	s.log.WithFields(logrus.Fields{"type": op.Type, "retry": op.RetryCount}).Info("redirecting to resume sign-in")
	s.emit(EventAuthRedirect, target)
	s.nav.Redirect(target)
	return target, nil
}

// Start retries on every offline→online transition and once now if online.
func (s *AuthContinuationService) Start(ctx context.Context) {
	retry := func() {
		if _, err := s.RetryPendingAuth(ctx); err != nil {
			s.log.WithError(err).Warn("pending auth retry failed")
		}
	}
	s.prober.OnOnline(func() { go retry() })
	if s.prober.IsOnline() {
		go retry()
	}
}

func (s *AuthContinuationService) loadLocked(ctx context.Context) (*PendingAuthOperation, bool) {
	var op PendingAuthOperation
	ok, err := getJSON(ctx, s.store, KeyPendingAuth, &op)
	if err != nil {
		s.log.WithError(err).Warn("discarding unreadable pending auth")
		if rmErr := s.store.Remove(ctx, KeyPendingAuth); rmErr != nil {
			s.log.WithError(rmErr).Warn("failed to remove pending auth")
		}
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &op, true
}

func continuationURL(op *PendingAuthOperation) string {
	path := "/login"
	if op.Type == AuthRegister {
		path = "/register"
	}
	q := url.Values{}
	if email := op.Credentials["email"]; email != "" {
		q.Set("email", email)
	}
	if op.Type == AuthRegister {
		if name := op.Credentials["name"]; name != "" {
			q.Set("name", name)
		}
	}
	q.Set("pendingAuth", "true")
	if op.RedirectURL != "" && op.RedirectURL != path {
		q.Set("redirect", op.RedirectURL)
	}
	return path + "?" + q.Encode()
}
