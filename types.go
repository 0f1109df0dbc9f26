package capsule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrOffline is matched by every error reporting confirmed loss of connectivity.
	ErrOffline = errors.New("offline")
	// ErrQueued is matched by *QueuedError.
	ErrQueued = errors.New("request queued")
	// ErrMalformedToken is reported when the stored session token cannot be decoded.
	ErrMalformedToken = errors.New("malformed session token")
	// ErrQueueItemExpired is delivered to waiters of a queued request that expired before it ran.
	ErrQueueItemExpired = errors.New("queued request expired")
	// ErrQueueRetriesExhausted is delivered to waiters of a queued request that kept failing.
	ErrQueueRetriesExhausted = errors.New("queued request retries exhausted")
	// ErrQueueCleared is delivered to waiters when the queue is cleared by hand.
	ErrQueueCleared = errors.New("queued request cleared")
	// ErrMissingOptions is returned when a call that needs options is given nil.
	ErrMissingOptions = errors.New("options are required")
)

// APIError is an HTTP error response classified by status code. Message is
// suitable for display; Detail is whatever the server said, if anything.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// TimeoutError means a single attempt exceeded its wall-clock budget. It is never retried automatically.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request timed out after %s. Please check your connection and try again.", e.Timeout)
}

// NetworkError is a transport failure that persisted through every retry while the API host was reachable.
type NetworkError struct {
	Attempts int
	Message  string
	Err      error
}

func (e *NetworkError) Error() string {
	return e.Message
}

func (e *NetworkError) Unwrap() error { return e.Err }

// OfflineError is returned when connectivity is confirmed lost and the call may not be queued.
type OfflineError struct {
	Method string
	Path   string
}

func (e *OfflineError) Error() string {
	return "You are offline. Please check your internet connection and try again."
}

func (e *OfflineError) Is(target error) bool { return target == ErrOffline }

// QueuedError acknowledges that a call was saved in the pending request queue.
// Done receives the outcome once the queued request runs, expires, or exhausts its retries.
type QueuedError struct {
	ID   string
	Done <-chan QueueResult
}

func (e *QueuedError) Error() string {
	return "You are offline. Your request was saved and will complete when the connection is restored."
}

func (e *QueuedError) Is(target error) bool { return target == ErrQueued }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// ============================================================================
// Request options
// ============================================================================

// RequestOptions tunes a single call through Client.Do.
type RequestOptions struct {
	// QueueIfOffline defaults to true. Set it to false to fail fast with *OfflineError.
	QueueIfOffline *bool
	// Critical queued requests are persisted and survive a restart.
	Critical bool
	// ExpiresIn bounds how long a queued request may wait. Defaults to one hour.
	ExpiresIn time.Duration
	// MaxRetries overrides the client default for network and 5xx retries.
	MaxRetries *int
	// Timeout overrides the per-attempt deadline.
	Timeout time.Duration
	Query   map[string]string
}

// Bool returns a pointer to b, for RequestOptions.QueueIfOffline.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n, for RequestOptions.MaxRetries.
func Int(n int) *int { return &n }

func (o *RequestOptions) queueable() bool {
	if o == nil || o.QueueIfOffline == nil {
		return true
	}
	return *o.QueueIfOffline
}

// ============================================================================
// Auth
// ============================================================================

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role,omitempty"`
	Plan      string    `json:"plan,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// IsAdmin reports whether the profile carries the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}

type AuthData struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type RegisterOptions struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ============================================================================
// Capsules
// ============================================================================

type Media struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	FileName string `json:"fileName,omitempty"`
}

type Capsule struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Media       []Media   `json:"media,omitempty"`
	ReleaseDate time.Time `json:"releaseDate"`
	IsPublic    bool      `json:"isPublic"`
	OwnerID     string    `json:"ownerId"`
	Rating      float64   `json:"rating"`
	RatingCount int       `json:"ratingCount"`
	Released    bool      `json:"released"`
	CreatedAt   time.Time `json:"createdAt"`
}

type CreateCapsuleOptions struct {
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Media       []Media   `json:"media,omitempty"`
	ReleaseDate time.Time `json:"releaseDate"`
	IsPublic    bool      `json:"isPublic"`
}

type Comment struct {
	ID        string    `json:"id"`
	CapsuleID string    `json:"capsuleId"`
	AuthorID  string    `json:"authorId"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type ListOptions struct {
	Page  int
	Limit int
}

// ============================================================================
// Subscriptions & admin
// ============================================================================

type Subscription struct {
	ID                   string    `json:"id"`
	Plan                 string    `json:"plan"`
	Status               string    `json:"status"`
	PayPalSubscriptionID string    `json:"paypalSubscriptionId,omitempty"`
	CurrentPeriodEnd     time.Time `json:"currentPeriodEnd,omitempty"`
}

type CreateSubscriptionOptions struct {
	Plan                 string `json:"plan"`
	PayPalSubscriptionID string `json:"paypalSubscriptionId"`
}

type MonthCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

type DashboardStats struct {
	TotalUsers          int          `json:"totalUsers"`
	TotalCapsules       int          `json:"totalCapsules"`
	PublicCapsules      int          `json:"publicCapsules"`
	ActiveSubscriptions int          `json:"activeSubscriptions"`
	CapsulesByMonth     []MonthCount `json:"capsulesByMonth,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CapsuleID string    `json:"capsuleId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
