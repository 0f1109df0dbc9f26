package capsule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	backoffBase       = time.Second
)

// ============================================================================
// State machine
// ============================================================================

type callState int

const (
	stateAttempt callState = iota
	stateProbe
	stateBackoff
	stateQueued
	stateFailed
	stateDone
)

func (s callState) String() string {
	switch s {
	case stateAttempt:
		return "ATTEMPT"
	case stateProbe:
		return "PROBE"
	case stateBackoff:
		return "BACKOFF"
	case stateQueued:
		return "QUEUED"
	case stateFailed:
		return "FAILED"
	case stateDone:
		return "DONE"
	}
	return fmt.Sprintf("callState(%d)", int(s))
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTimeout
	outcomeServerError
	outcomeClientError
	outcomeNetwork
	outcomeOffline
)

func (o outcome) label() string {
	switch o {
	case outcomeSuccess:
		return "ok"
	case outcomeTimeout:
		return "timeout"
	case outcomeServerError, outcomeClientError:
		return "http_error"
	case outcomeNetwork:
		return "network_error"
	case outcomeOffline:
		return "offline"
	}
	return "unknown"
}

// transition is everything nextState needs to decide.
type transition struct {
	Outcome    outcome // result of the last ATTEMPT
	Online     bool    // result of the last PROBE, false before any
	Attempt    int     // retries already spent
	MaxRetries int
	Queueable  bool
}

// nextState is the whole retry/backoff/queue decision table.
func nextState(s callState, t transition) callState {
	retriesLeft := t.Attempt < t.MaxRetries
	offline := stateFailed
	if t.Queueable {
		offline = stateQueued
	}

	switch s {
	case stateAttempt:
		switch t.Outcome {
		case outcomeSuccess:
			return stateDone
		case outcomeServerError:
			if retriesLeft {
				return stateBackoff
			}
			return stateFailed
		case outcomeNetwork, outcomeOffline:
			return stateProbe
		default:
			return stateFailed
		}
	case stateProbe:
		if !t.Online {
			return offline
		}
		// a stale offline belief costs no retry
		if t.Outcome == outcomeOffline {
			return stateAttempt
		}
		if retriesLeft {
			return stateBackoff
		}
		return stateFailed
	case stateBackoff:
		return stateAttempt
	}
	return s
}

// backoffDelay returns 1s·2^attempt scaled by a factor in [0.8, 1.2]. r is in [0, 1).
func backoffDelay(attempt int, r float64) time.Duration {
	return scaledBackoff(backoffBase, attempt, r)
}

func scaledBackoff(base time.Duration, attempt int, r float64) time.Duration {
	return time.Duration(float64(base<<uint(attempt)) * (0.8 + 0.4*r))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================================
// Executor
// ============================================================================

// Do issues an API call through the retrying executor and returns the raw JSON
// response body. Errors are *APIError, *TimeoutError, *NetworkError,
// *OfflineError, *QueuedError or the caller's context error.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts *RequestOptions) (json.RawMessage, error) {
	call := PendingRequest{Method: method, Path: path}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		call.Body = b
	}

	maxRetries := c.maxRetries
	timeout := c.timeout
	if opts != nil {
		call.Query = opts.Query
		if opts.MaxRetries != nil {
			maxRetries = *opts.MaxRetries
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}

	log := c.log.WithFields(logrus.Fields{"component": "executor", "method": method, "path": path})
	t := transition{MaxRetries: maxRetries, Queueable: opts.queueable()}
	state := stateAttempt
	var (
		data    json.RawMessage
		lastErr error
	)

	for {
		switch state {
		case stateAttempt:
			if !t.Online && !c.conn.IsOnline() {
				t.Outcome = outcomeOffline
				lastErr = &OfflineError{Method: method, Path: path}
			} else {
				data, t.Outcome, lastErr = c.attempt(ctx, &call, timeout)
				if ctx.Err() != nil && t.Outcome != outcomeSuccess {
					c.metrics.RequestsTotal.WithLabelValues(method, "canceled").Inc()
					return nil, ctx.Err()
				}
			}
			state = nextState(state, t)

		case stateProbe:
			log.WithError(lastErr).Debug("probing connectivity")
			t.Online = c.conn.CheckNetworkStatus(ctx)
			if ctx.Err() != nil {
				c.metrics.RequestsTotal.WithLabelValues(method, "canceled").Inc()
				return nil, ctx.Err()
			}
			state = nextState(state, t)
			switch {
			case !t.Online:
				lastErr = &OfflineError{Method: method, Path: path}
			case state == stateFailed:
				lastErr = c.networkError(t.Attempt+1, lastErr)
			}

		case stateBackoff:
			delay := backoffDelay(t.Attempt, c.jitter())
			t.Attempt++
			c.metrics.RetriesTotal.Inc()
			c.metrics.BackoffSeconds.Observe(delay.Seconds())
			log.WithFields(logrus.Fields{"retry": t.Attempt, "delay": delay}).Warn("retrying request")
			if err := c.sleep(ctx, delay); err != nil {
				c.metrics.RequestsTotal.WithLabelValues(method, "canceled").Inc()
				return nil, err
			}
			state = nextState(state, t)

		case stateQueued:
			c.metrics.RequestsTotal.WithLabelValues(method, "queued").Inc()
			return nil, c.enqueueCall(ctx, call, opts)

		case stateFailed:
			c.metrics.RequestsTotal.WithLabelValues(method, t.Outcome.label()).Inc()
			log.WithError(lastErr).Debug("request failed")
			return nil, lastErr

		case stateDone:
			c.metrics.RequestsTotal.WithLabelValues(method, "ok").Inc()
			return data, nil
		}
	}
}

func (c *Client) enqueueCall(ctx context.Context, call PendingRequest, opts *RequestOptions) error {
	var eo EnqueueOptions
	if opts != nil {
		eo.Critical = opts.Critical
		eo.ExpiresIn = opts.ExpiresIn
	}
	id, done := c.queue.EnqueueAndWait(ctx, call, eo)
	return &QueuedError{ID: id, Done: done}
}

// replay is the queue's single-shot executor: no probing, backoff or re-queueing.
func (c *Client) replay(ctx context.Context, req *PendingRequest) (json.RawMessage, error) {
	data, o, err := c.attempt(ctx, req, c.timeout)
	if o != outcomeSuccess {
		return nil, err
	}
	return data, nil
}

// attempt performs exactly one HTTP exchange bounded by timeout.
func (c *Client) attempt(ctx context.Context, call *PendingRequest, timeout time.Duration) (json.RawMessage, outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + call.Path
	if len(call.Query) > 0 {
		params := url.Values{}
		for k, v := range call.Query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if call.Body != nil {
		bodyReader = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, call.Method, u, bodyReader)
	if err != nil {
		return nil, outcomeClientError, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if lang := c.Locale(); lang != "" {
		req.Header.Set("Accept-Language", lang)
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	c.authorize(ctx, req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportOutcome(ctx, attemptCtx), c.transportError(ctx, attemptCtx, timeout, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	c.metrics.RequestDuration.WithLabelValues(call.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.transportOutcome(ctx, attemptCtx), c.transportError(ctx, attemptCtx, timeout, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, outcomeSuccess, nil
		}
		return raw, outcomeSuccess, nil
	}

	apiErr := c.classify(resp.StatusCode, raw)
	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.session.Clear(context.WithoutCancel(ctx)); err != nil {
			c.log.WithError(err).Warn("failed to clear session after 401")
		}
	}
	if resp.StatusCode >= 500 {
		return nil, outcomeServerError, apiErr
	}
	return nil, outcomeClientError, apiErr
}

// authorize attaches the bearer token. A token that cannot be decoded is
// dropped and the request goes out unauthenticated.
func (c *Client) authorize(ctx context.Context, req *http.Request) {
	token, err := c.session.Token(ctx)
	if errors.Is(err, ErrMalformedToken) {
		c.log.WithField("component", "executor").Warn("discarding malformed session token")
		if err := c.session.ClearToken(context.WithoutCancel(ctx)); err != nil {
			c.log.WithError(err).Warn("failed to discard malformed token")
		}
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("failed to read session token")
		return
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) transportOutcome(ctx, attemptCtx context.Context) outcome {
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return outcomeTimeout
	}
	return outcomeNetwork
}

func (c *Client) transportError(ctx, attemptCtx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}
	return fmt.Errorf("request failed: %w", err)
}

// classify turns an error response into an *APIError.
func (c *Client) classify(status int, raw []byte) *APIError {
	detail := errorDetail(raw)
	e := &APIError{Status: status, Detail: detail}

	switch {
	case status == http.StatusUnauthorized:
		e.Code = "UNAUTHORIZED"
		e.Message = "Your session has expired or is invalid. Please log in again."
	case status == http.StatusForbidden:
		e.Code = "FORBIDDEN"
		e.Message = "You do not have permission to perform this action."
	case status == http.StatusNotFound:
		e.Code = "NOT_FOUND"
		e.Message = "The requested resource was not found."
	case status >= 500:
		e.Code = "SERVER_ERROR"
		e.Message = fmt.Sprintf("Server error. Please try again later. (ref: %s)", c.now().UTC().Format(time.RFC3339))
	default:
		e.Code = "HTTP_ERROR"
		e.Message = detail
		if e.Message == "" {
			e.Message = fmt.Sprintf("Request failed with status %d", status)
		}
	}
	return e
}

// errorDetail extracts a message from a JSON error body, falling back to the raw text.
func errorDetail(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		switch v := body.Error.(type) {
		case string:
			return v
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				return m
			}
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 500 {
		text = text[:500]
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "<") {
		return ""
	}
	return text
}

// networkError builds the terminal error after retries are spent, tailored to
// the link on mobile clients.
func (c *Client) networkError(attempts int, cause error) *NetworkError {
	msg := fmt.Sprintf("Unable to reach the server after %d attempts. Please check your connection and try again.", attempts)
	if c.mobile {
		link, known := c.conn.Link()
		switch {
		case known && link.SaveData:
			msg = "Data saver is enabled and may be limiting your connection. Disable it or try again later."
		case c.conn.State().Quality == QualityPoor:
			msg = "Poor connection detected. Move to an area with a stronger signal and try again."
		}
	}
	return &NetworkError{Attempts: attempts, Message: msg, Err: cause}
}

func defaultJitter() float64 {
	return rand.Float64()
}
