package capsule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultQueueExpiry     = time.Hour
	DefaultQueueRetryLimit = 3
)

// PendingRequest is a deferred API call. It is a plain command rather than a
// closure so that it can be persisted and replayed after a restart.
type PendingRequest struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      map[string]string `json:"query,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Critical   bool              `json:"critical"`
	RetryCount int               `json:"retryCount"`
}

// Expired reports whether the request may no longer run at now.
func (r *PendingRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// EnqueueOptions controls how long a request may wait and whether it is persisted.
type EnqueueOptions struct {
	Critical  bool
	ExpiresIn time.Duration
}

// QueueResult is the final outcome of a queued request.
type QueueResult struct {
	ID   string
	Data json.RawMessage
	Err  error
}

// ReplayFunc performs one attempt of a queued request.
type ReplayFunc func(ctx context.Context, req *PendingRequest) (json.RawMessage, error)

type onlineChecker interface {
	IsOnline() bool
}

// QueueConfig wires a RequestQueue to its collaborators.
type QueueConfig struct {
	Store         Store
	Connectivity  onlineChecker
	Replay        ReplayFunc
	RetryLimit    int
	DefaultExpiry time.Duration
	Logger        logrus.FieldLogger
	Metrics       *Metrics
}

// RequestQueue holds requests deferred while offline and replays them in
// enqueue order once connectivity returns.
type RequestQueue struct {
	*emitter

	store         Store
	online        onlineChecker
	replay        ReplayFunc
	retryLimit    int
	defaultExpiry time.Duration
	log           logrus.FieldLogger
	metrics       *Metrics
	now           func() time.Time

	mu       sync.Mutex
	items    []*PendingRequest
	inflight []*PendingRequest
	sending  *PendingRequest
	gen      uint64 // bumped by Clear
	waiters  map[string]chan QueueResult

	drainMu sync.Mutex
}

// NewRequestQueue creates an empty queue. Call Load to restore persisted items.
func NewRequestQueue(cfg QueueConfig) *RequestQueue {
	q := &RequestQueue{
		emitter:       newEmitter(),
		store:         cfg.Store,
		online:        cfg.Connectivity,
		replay:        cfg.Replay,
		retryLimit:    cfg.RetryLimit,
		defaultExpiry: cfg.DefaultExpiry,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		now:           time.Now,
		waiters:       make(map[string]chan QueueResult),
	}
	if q.store == nil {
		q.store = NewMemoryStore()
	}
	if q.retryLimit == 0 {
		q.retryLimit = DefaultQueueRetryLimit
	}
	if q.defaultExpiry == 0 {
		q.defaultExpiry = DefaultQueueExpiry
	}
	if q.log == nil {
		q.log = logrus.StandardLogger()
	}
	q.log = q.log.WithField("component", "queue")
	if q.metrics == nil {
		q.metrics = NewMetrics()
	}
	return q
}

// Enqueue appends req and returns its id without running it.
func (q *RequestQueue) Enqueue(ctx context.Context, req PendingRequest, opts EnqueueOptions) string {
	id, _ := q.enqueue(ctx, req, opts, false)
	return id
}

// EnqueueAndWait is Enqueue plus a channel that receives the request's outcome.
func (q *RequestQueue) EnqueueAndWait(ctx context.Context, req PendingRequest, opts EnqueueOptions) (string, <-chan QueueResult) {
	return q.enqueue(ctx, req, opts, true)
}

func (q *RequestQueue) enqueue(ctx context.Context, req PendingRequest, opts EnqueueOptions, wait bool) (string, <-chan QueueResult) {
	expiresIn := opts.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = q.defaultExpiry
	}
	now := q.now()
	item := req
	item.ID = uuid.Must(uuid.NewV7()).String()
	item.EnqueuedAt = now
	item.ExpiresAt = now.Add(expiresIn)
	item.Critical = opts.Critical
	item.RetryCount = 0

	var ch chan QueueResult
	q.mu.Lock()
	q.items = append(q.items, &item)
	if wait {
		ch = make(chan QueueResult, 1)
		q.waiters[item.ID] = ch
	}
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueEnqueued.Inc()
	q.metrics.QueueDepth.Set(float64(depth))
	q.log.WithFields(logrus.Fields{
		"id":       item.ID,
		"method":   item.Method,
		"path":     item.Path,
		"critical": item.Critical,
	}).Info("request queued until connectivity returns")

	if item.Critical {
		q.persist(ctx)
	}
	q.emit(EventQueueEnqueued, map[string]any{"id": item.ID, "method": item.Method, "path": item.Path})
	return item.ID, ch
}

// Wait returns the outcome channel for a queued id. ok is false when the id is
// not waiting in the queue.
func (q *RequestQueue) Wait(id string) (<-chan QueueResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.waiters[id]; ok {
		return ch, true
	}
	if q.indexLocked(id) < 0 {
		return nil, false
	}
	ch := make(chan QueueResult, 1)
	q.waiters[id] = ch
	return ch, true
}

// Len returns the number of requests waiting, including any in the current drain pass.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inflight)
}

// Items returns a copy of the waiting requests in drain order.
func (q *RequestQueue) Items() []PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingRequest, 0, len(q.inflight)+len(q.items))
	for _, it := range q.inflight {
		out = append(out, *it)
	}
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

// Clear drops every waiting request, including those not yet sent by a drain
// in progress. Waiters receive ErrQueueCleared. A request already being sent
// completes and delivers its own result but is never requeued.
func (q *RequestQueue) Clear(ctx context.Context) {
	q.mu.Lock()
	dropped := make([]*PendingRequest, 0, len(q.inflight)+len(q.items))
	for _, it := range q.inflight {
		if it != q.sending {
			dropped = append(dropped, it)
		}
	}
	dropped = append(dropped, q.items...)
	q.items = nil
	q.inflight = nil
	q.gen++
	q.mu.Unlock()
	q.metrics.QueueDepth.Set(0)

	for _, it := range dropped {
		q.drop(it, "cleared", ErrQueueCleared)
	}
	q.persist(ctx)
}

// Load restores persisted critical requests and drains them right away when online.
func (q *RequestQueue) Load(ctx context.Context) error {
	if _, err := q.Restore(ctx); err != nil {
		return err
	}
	if q.online.IsOnline() {
		return q.Drain(ctx)
	}
	return nil
}

// Restore adds persisted critical requests that have not expired to the queue
// without running them. It reports how many were added.
func (q *RequestQueue) Restore(ctx context.Context) (int, error) {
	var saved []*PendingRequest
	if _, err := getJSON(ctx, q.store, KeyPendingRequests, &saved); err != nil {
		q.log.WithError(err).Warn("discarding unreadable pending requests")
		if rmErr := q.store.Remove(ctx, KeyPendingRequests); rmErr != nil {
			return 0, fmt.Errorf("remove pending requests: %w", rmErr)
		}
		return 0, nil
	}

	now := q.now()
	restored := 0
	q.mu.Lock()
	for _, it := range saved {
		if it == nil || it.Expired(now) || q.indexLocked(it.ID) >= 0 {
			continue
		}
		q.items = append(q.items, it)
		restored++
	}
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	q.persist(ctx)
	if restored > 0 {
		q.log.WithField("count", restored).Info("restored pending requests")
	}
	return restored, nil
}

// Drain replays the current queue contents in order. Items enqueued while a
// drain is running wait for the next pass. Only one drain runs at a time.
func (q *RequestQueue) Drain(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	snapshot := q.items
	q.items = nil
	q.inflight = append([]*PendingRequest(nil), snapshot...)
	gen := q.gen
	q.mu.Unlock()

	if len(snapshot) == 0 {
		q.mu.Lock()
		q.inflight = nil
		q.mu.Unlock()
		return nil
	}
	q.log.WithField("count", len(snapshot)).Info("draining pending requests")

	for i, item := range snapshot {
		if !q.claim(gen, item) {
			// Clear already dropped the rest of this pass
			return nil
		}
		if ctx.Err() != nil {
			q.restore(gen, snapshot[i:])
			q.persist(context.WithoutCancel(ctx))
			return ctx.Err()
		}

		if item.Expired(q.now()) {
			q.finish(gen, snapshot[i+1:])
			q.drop(item, "expired", ErrQueueItemExpired)
			q.persist(ctx)
			continue
		}

		data, err := q.replay(ctx, item)
		if err != nil && ctx.Err() != nil {
			q.restore(gen, snapshot[i:])
			q.persist(context.WithoutCancel(ctx))
			return ctx.Err()
		}

		if !q.finish(gen, snapshot[i+1:]) {
			if err == nil {
				q.sent(item, data)
			} else {
				q.drop(item, "cleared", ErrQueueCleared)
			}
			return nil
		}
		switch {
		case err == nil:
			q.sent(item, data)

		case q.online.IsOnline() && item.RetryCount < q.retryLimit:
			q.mu.Lock()
			item.RetryCount++
			q.items = append(q.items, item)
			q.mu.Unlock()
			q.log.WithError(err).WithFields(logrus.Fields{
				"id":    item.ID,
				"retry": item.RetryCount,
			}).Warn("queued request failed, will retry on next drain")
			q.emit(EventQueueRequeued, map[string]any{"id": item.ID, "retryCount": item.RetryCount, "error": err.Error()})

		default:
			q.drop(item, "failed", fmt.Errorf("%w: %w", ErrQueueRetriesExhausted, err))
		}
		q.persist(ctx)
	}

	q.mu.Lock()
	q.inflight = nil
	depth := len(q.items)
	q.mu.Unlock()
	q.metrics.QueueDepth.Set(float64(depth))
	return nil
}

// claim marks item as the one being sent. It fails once Clear has run during
// the pass that started at gen.
func (q *RequestQueue) claim(gen uint64, item *PendingRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen {
		return false
	}
	q.sending = item
	return true
}

// finish records the snapshot items still to be processed in this pass. It
// reports false when Clear ran while the current item was being sent.
func (q *RequestQueue) finish(gen uint64, remaining []*PendingRequest) bool {
	q.mu.Lock()
	q.sending = nil
	if q.gen != gen {
		q.mu.Unlock()
		return false
	}
	q.inflight = append([]*PendingRequest(nil), remaining...)
	depth := len(q.items) + len(q.inflight)
	q.mu.Unlock()
	q.metrics.QueueDepth.Set(float64(depth))
	return true
}

// restore puts unprocessed snapshot items back at the head of the queue.
func (q *RequestQueue) restore(gen uint64, remaining []*PendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sending = nil
	if q.gen != gen {
		return
	}
	q.items = append(append([]*PendingRequest(nil), remaining...), q.items...)
	q.inflight = nil
}

func (q *RequestQueue) sent(item *PendingRequest, data json.RawMessage) {
	q.metrics.QueueSent.Inc()
	q.log.WithFields(logrus.Fields{"id": item.ID, "path": item.Path}).Info("queued request sent")
	q.deliver(item.ID, QueueResult{ID: item.ID, Data: data})
	q.emit(EventQueueSent, map[string]any{"id": item.ID, "path": item.Path})
}

func (q *RequestQueue) drop(item *PendingRequest, reason string, err error) {
	q.metrics.QueueDropped.WithLabelValues(reason).Inc()
	q.log.WithFields(logrus.Fields{
		"id":     item.ID,
		"path":   item.Path,
		"reason": reason,
	}).Warn("dropping queued request")
	q.deliver(item.ID, QueueResult{ID: item.ID, Err: err})
	q.emit(EventQueueDropped, map[string]any{"id": item.ID, "reason": reason})
}

func (q *RequestQueue) deliver(id string, res QueueResult) {
	q.mu.Lock()
	ch, ok := q.waiters[id]
	delete(q.waiters, id)
	q.mu.Unlock()
	if ok {
		ch <- res
		close(ch)
	}
}

// persist mirrors critical items, in drain order, to the store.
func (q *RequestQueue) persist(ctx context.Context) {
	q.mu.Lock()
	var critical []PendingRequest
	for _, it := range q.inflight {
		if it.Critical {
			critical = append(critical, *it)
		}
	}
	for _, it := range q.items {
		if it.Critical {
			critical = append(critical, *it)
		}
	}
	q.mu.Unlock()

	var err error
	if len(critical) == 0 {
		err = q.store.Remove(ctx, KeyPendingRequests)
	} else {
		err = setJSON(ctx, q.store, KeyPendingRequests, critical)
	}
	if err != nil {
		q.log.WithError(err).Warn("failed to persist pending requests")
	}
}

func (q *RequestQueue) indexLocked(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	for _, it := range q.inflight {
		if it.ID == id {
			return len(q.items)
		}
	}
	return -1
}
