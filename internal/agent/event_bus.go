package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType identifies what changed in a session.
type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventHistoryAppended EventType = "history_appended"
	EventSnapshotUpdated EventType = "snapshot_updated"
	EventCaptureTaken    EventType = "capture_taken"
	EventSessionClosed   EventType = "session_closed"
)

// AllEventTypes lists every event a session emits.
var AllEventTypes = []EventType{
	EventStateChanged, EventHistoryAppended, EventSnapshotUpdated, EventCaptureTaken, EventSessionClosed,
}

// Event is the envelope delivered to subscribers.
//
// Payload types by EventType:
//   - state_changed: StateChange
//   - history_appended: HistoryEntry
//   - snapshot_updated: *PageSnapshot
//   - capture_taken: string (file path)
//   - session_closed: nil
type Event struct {
	ID        string
	Timestamp time.Time
	SessionID string
	Type      EventType
	Payload   interface{}
}

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// EventBus fans session events out to front-end subscribers. Sends block when a
// subscriber buffer is full, bounded by the caller's context.
type EventBus struct {
	logger *zap.Logger

	subscribers map[EventType][]chan Event
	mu          sync.RWMutex
	bufferSize  int

	// activePosts tracks Publish calls in flight so Shutdown can wait for them.
	activePosts sync.WaitGroup
	isShutdown  bool
	shutdownMu  sync.Mutex
}

// NewEventBus initializes an EventBus.
func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish delivers ev to every subscriber of its type.
func (b *EventBus) Publish(ctx context.Context, ev Event) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot publish event: bus is shut down")
	}
	b.activePosts.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePosts.Done()

	// A send on a channel closed by a concurrent Shutdown panics; report it as an error instead.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("Recovered from panic in Publish, likely due to shutdown.", zap.Any("panic", r))
			err = fmt.Errorf("failed to publish event: bus is shutting down")
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[ev.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	subsCopy := make([]chan Event, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel receiving the given event types (all types when none
// are given) and a function that removes and closes the subscription.
func (b *EventBus) Subscribe(types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(types) == 0 {
		types = AllEventTypes
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.isShutdownLocked() {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, sub := range subs {
					if sub == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (b *EventBus) isShutdownLocked() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Shutdown closes every subscriber channel and waits for in-flight publishes.
func (b *EventBus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	unique := make(map[chan Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[EventType][]chan Event)
	b.mu.Unlock()

	// Blocked publishers unblock via the recover path now that channels are closed.
	b.activePosts.Wait()
}
