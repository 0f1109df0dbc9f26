package capsule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// MaxNotifications is how many notifications are kept locally, newest first.
const MaxNotifications = 50

// FeedEnvelope is the wire format of every notification socket message.
type FeedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FeedConfig configures a NotificationFeed.
type FeedConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

var errNotSignedIn = errors.New("not signed in")

// ============================================================================
// Reconnector
// ============================================================================

// stableAfter is how long a connection must last before backoff starts over.
const stableAfter = time.Minute

// reconnector paces redial attempts with the executor's jittered exponential
// backoff, starting from the feed's base delay and capped at its max delay.
type reconnector struct {
	base, max time.Duration
	limit     int // negative means unlimited
	tries     int
	upSince   time.Time
	jitter    func() float64
}

func newReconnector(cfg *FeedConfig, jitter func() float64) *reconnector {
	return &reconnector{
		base:   cfg.ReconnectBaseDelay,
		max:    cfg.ReconnectMaxDelay,
		limit:  cfg.MaxReconnectAttempts,
		jitter: jitter,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.limit < 0 || r.tries < r.limit
}

func (r *reconnector) markConnected() {
	r.upSince = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.upSince.IsZero() && time.Since(r.upSince) > stableAfter {
		r.tries = 0
	}
	r.upSince = time.Time{}

	exp := min(r.tries, 20)
	r.tries++
	return min(scaledBackoff(r.base, exp, r.jitter()), r.max)
}

// ============================================================================
// NotificationFeed
// ============================================================================

// NotificationFeed receives server-pushed notifications over a websocket and
// keeps the most recent ones in the client store.
type NotificationFeed struct {
	client *Client
	cfg    FeedConfig
	log    logrus.FieldLogger
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	cancelFn         context.CancelFunc

	listMu sync.Mutex
}

// Notifications creates a feed bound to the client's session and store.
// cfg may be nil.
func (c *Client) Notifications(cfg *FeedConfig) *NotificationFeed {
	var fc FeedConfig
	if cfg != nil {
		fc = *cfg
	}
	fc.defaults()
	return &NotificationFeed{
		client: c,
		cfg:    fc,
		log:    c.log.WithField("component", "notifications"),
		recon:  newReconnector(&fc, c.jitter),
		state:  FeedDisconnected,
	}
}

func (f *NotificationFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect opens the socket and waits for the server to confirm the session.
func (f *NotificationFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		f.setState(FeedDisconnected)
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.state = FeedConnected
	connCtx, cancel := context.WithCancel(ctx)
	f.cancelFn = cancel
	f.mu.Unlock()
	f.recon.markConnected()

	f.log.Info("notification feed connected")
	f.client.emit(EventFeedConnected, nil)

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx, conn)
	return nil
}

func (f *NotificationFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := f.client.session.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, errNotSignedIn
	}

	wsURL := strings.Replace(f.client.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: f.client.httpClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env FeedEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, nil
}

// Disconnect closes the socket and stops reconnecting.
func (f *NotificationFeed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	cancel := f.cancelFn
	f.cancelFn = nil
	conn := f.conn
	f.conn = nil
	f.state = FeedDisconnected
	f.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	f.client.emit(EventFeedDisconnected, "client disconnect")
	return err
}

func (f *NotificationFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			if !intentional {
				f.state = FeedDisconnected
				f.conn = nil
			}
			f.mu.Unlock()
			if intentional {
				return
			}

			f.log.WithError(err).Warn("notification feed disconnected")
			f.client.emit(EventFeedDisconnected, err.Error())
			if f.cfg.AutoReconnect && ctx.Err() == nil {
				f.reconnect(ctx)
			}
			return
		}

		var env FeedEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type != "notification" {
			continue
		}
		var n Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			f.log.WithError(err).Debug("skipping malformed notification")
			continue
		}
		if err := f.Add(ctx, n); err != nil {
			f.log.WithError(err).Warn("failed to store notification")
		}
	}
}

func (f *NotificationFeed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (f *NotificationFeed) reconnect(ctx context.Context) {
	for f.recon.shouldReconnect() {
		delay := f.recon.nextDelay()
		f.setState(FeedReconnecting)
		f.client.emit(EventFeedReconnecting, map[string]any{"attempt": f.recon.tries, "delay": delay})

		if err := sleepContext(ctx, delay); err != nil {
			f.setState(FeedDisconnected)
			return
		}
		f.mu.Lock()
		if f.intentionalClose {
			f.mu.Unlock()
			return
		}
		f.state = FeedDisconnected
		f.mu.Unlock()

		err := f.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, errNotSignedIn) || errors.Is(err, ErrMalformedToken) {
			f.log.WithError(err).Warn("giving up on notification feed")
			return
		}
	}
	f.setState(FeedDisconnected)
}

func (f *NotificationFeed) setState(s FeedState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// ============================================================================
// Local list
// ============================================================================

// List returns the stored notifications, newest first.
func (f *NotificationFeed) List(ctx context.Context) ([]Notification, error) {
	f.listMu.Lock()
	defer f.listMu.Unlock()
	return f.loadLocked(ctx)
}

// UnreadCount returns how many stored notifications are unread.
func (f *NotificationFeed) UnreadCount(ctx context.Context) (int, error) {
	list, err := f.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range list {
		if !it.Read {
			n++
		}
	}
	return n, nil
}

// Add stores n at the head of the list, trimming to MaxNotifications.
func (f *NotificationFeed) Add(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.client.now()
	}
	list, err := f.update(ctx, func(list []Notification) []Notification {
		list = append([]Notification{n}, list...)
		if len(list) > MaxNotifications {
			list = list[:MaxNotifications]
		}
		return list
	})
	if err != nil {
		return err
	}
	f.client.emit(EventNewNotification, n)
	f.client.emit(EventNotificationsUpdate, list)
	return nil
}

func (f *NotificationFeed) MarkRead(ctx context.Context, id string) error {
	list, err := f.update(ctx, func(list []Notification) []Notification {
		for i := range list {
			if list[i].ID == id {
				list[i].Read = true
			}
		}
		return list
	})
	if err != nil {
		return err
	}
	f.client.emit(EventNotificationsUpdate, list)
	return nil
}

func (f *NotificationFeed) MarkAllRead(ctx context.Context) error {
	list, err := f.update(ctx, func(list []Notification) []Notification {
		for i := range list {
			list[i].Read = true
		}
		return list
	})
	if err != nil {
		return err
	}
	f.client.emit(EventNotificationsUpdate, list)
	return nil
}

func (f *NotificationFeed) Clear(ctx context.Context) error {
	f.listMu.Lock()
	err := f.client.store.Remove(ctx, KeyNotifications)
	f.listMu.Unlock()
	if err != nil {
		return err
	}
	f.client.emit(EventNotificationsUpdate, []Notification{})
	return nil
}

func (f *NotificationFeed) update(ctx context.Context, fn func([]Notification) []Notification) ([]Notification, error) {
	f.listMu.Lock()
	defer f.listMu.Unlock()
	list, err := f.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	list = fn(list)
	if err := setJSON(ctx, f.client.store, KeyNotifications, list); err != nil {
		return nil, err
	}
	return append([]Notification(nil), list...), nil
}

func (f *NotificationFeed) loadLocked(ctx context.Context) ([]Notification, error) {
	var list []Notification
	if _, err := getJSON(ctx, f.client.store, KeyNotifications, &list); err != nil {
		f.log.WithError(err).Warn("discarding unreadable notifications")
		return nil, nil
	}
	return list, nil
}
