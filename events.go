package capsule

import (
	"sync"
	"sync/atomic"
)

// Event names. The connection-quality and notification names match the DOM
// custom events the web client dispatches.
const (
	EventPoorConnection   = "poor-connection"
	EventMediumConnection = "medium-connection"
	EventGoodConnection   = "good-connection"

	EventOnline  = "network.online"
	EventOffline = "network.offline"

	EventQueueEnqueued = "queue.enqueued"
	EventQueueSent     = "queue.sent"
	EventQueueRequeued = "queue.requeued"
	EventQueueDropped  = "queue.dropped"

	EventAuthRedirect = "auth.redirect"

	EventNewNotification     = "newNotification"
	EventNotificationsUpdate = "notificationsUpdate"

	EventFeedConnected    = "feed.connected"
	EventFeedDisconnected = "feed.disconnected"
	EventFeedReconnecting = "feed.reconnecting"
)

// EventHandler receives an emitted event and its payload.
type EventHandler func(event string, payload any)

// emitter is a copy-on-write handler table: registration swaps in a new map
// and emit reads the current one without locking.
type emitter struct {
	mu       sync.Mutex // serializes writers
	handlers atomic.Pointer[map[string][]EventHandler]
}

func newEmitter() *emitter {
	e := &emitter{}
	e.handlers.Store(&map[string][]EventHandler{})
	return e
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := *e.handlers.Load()
	next := make(map[string][]EventHandler, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[event] = append(old[event][:len(old[event]):len(old[event])], handler)
	e.handlers.Store(&next)
}

func (e *emitter) emit(event string, payload any) {
	for _, h := range (*e.handlers.Load())[event] {
		callHandler(h, event, payload)
	}
}

// callHandler runs h, discarding any panic it raises.
func callHandler(h EventHandler, event string, payload any) {
	defer func() { _ = recover() }()
	h(event, payload)
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers.Store(&map[string][]EventHandler{})
}
