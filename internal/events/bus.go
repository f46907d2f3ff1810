// Package events implements the lifecycle event bus. Subscribers run in
// registration order, each within its owning region; one failing subscriber
// never prevents its siblings from running.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/region"
)

// Well-known lifecycle event names.
const (
	BeforeAgentStart = "before_agent_start"
	AfterAgentStop   = "after_agent_stop"
	OnMessage        = "on_message"
	OnToolResult     = "on_tool_result"
	OnSessionSave    = "on_session_save"
	OnShutdown       = "on_shutdown"
)

// Event is one typed lifecycle notification.
type Event struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`

	// Source is the emitting extension's ID for custom events, empty for
	// host lifecycle events.
	Source string `json:"source,omitempty"`
}

// Handler processes one event delivery.
type Handler func(ctx context.Context, ev *Event) error

// Subscription ties a handler to its owning extension and region.
type Subscription struct {
	ID          string
	Event       string
	ExtensionID string
	Region      *region.Region
	Handler     Handler
}

// Delivery records the outcome of invoking one subscriber.
type Delivery struct {
	SubscriptionID string
	ExtensionID    string
	Err            *hostcall.Error
}

// Bus is the event fan-out point. Subscribers are resolved at dispatch time:
// a subscriber registered after Publish begins does not receive that event.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription // event name -> registration order
	byID   map[string]*Subscription
	logger *observability.Logger
	events *observability.EventLog
}

// Option configures a Bus.
type Option func(*Bus)

// WithEventLog records delivery failures to the runtime event log.
func WithEventLog(log *observability.EventLog) Option {
	return func(b *Bus) { b.events = log }
}

// NewBus creates an empty bus.
func NewBus(logger *observability.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	b := &Bus{
		subs:   make(map[string][]*Subscription),
		byID:   make(map[string]*Subscription),
		logger: logger.WithFields("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler. Returns the subscription ID.
func (b *Bus) Subscribe(event, extensionID string, r *region.Region, handler Handler) string {
	sub := &Subscription{
		ID:          uuid.New().String(),
		Event:       event,
		ExtensionID: extensionID,
		Region:      r,
		Handler:     handler,
	}
	b.mu.Lock()
	b.subs[event] = append(b.subs[event], sub)
	b.byID[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug(context.Background(), "subscribed",
		"event", event, "extension_id", extensionID, "subscription_id", sub.ID)
	return sub.ID
}

// Unsubscribe removes a handler by subscription ID.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	list := b.subs[sub.Event]
	for i, s := range list {
		if s.ID == id {
			b.subs[sub.Event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return true
}

// DropRegion removes every subscription owned by the given region. Called on
// region closure so handlers cannot leak past their extension.
func (b *Bus) DropRegion(r *region.Region) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for event, list := range b.subs {
		kept := list[:0]
		for _, s := range list {
			if s.Region == r {
				delete(b.byID, s.ID)
				dropped++
				continue
			}
			kept = append(kept, s)
		}
		b.subs[event] = kept
	}
	return dropped
}

// SubscriberCount returns the number of live subscriptions for an event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Publish delivers ev to every subscriber registered at the moment of the
// call, in registration order. A subscriber error or panic is converted to an
// INTERNAL error, logged, and recorded in the returned deliveries; siblings
// run regardless. Subscribers whose region has left Running are skipped.
func (b *Bus) Publish(ctx context.Context, ev *Event) []Delivery {
	if ev == nil {
		return nil
	}
	b.mu.Lock()
	snapshot := make([]*Subscription, len(b.subs[ev.Name]))
	copy(snapshot, b.subs[ev.Name])
	b.mu.Unlock()

	deliveries := make([]Delivery, 0, len(snapshot))
	for _, sub := range snapshot {
		if sub.Region != nil && !sub.Region.Running() {
			continue
		}
		d := Delivery{SubscriptionID: sub.ID, ExtensionID: sub.ExtensionID}
		if err := b.invoke(ctx, sub, ev); err != nil {
			d.Err = err
			b.logger.Warn(ctx, "event handler failed",
				"event", ev.Name,
				"extension_id", sub.ExtensionID,
				"subscription_id", sub.ID,
				"error", err)
			if b.events != nil {
				b.events.Record(ctx, observability.RuntimeEvent{
					Level:       "error",
					Event:       "subscriber_error",
					Message:     err.Message,
					ExtensionID: sub.ExtensionID,
					Fields:      map[string]any{"event": ev.Name, "code": err.Code},
				})
			}
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

// PublishShutdown delivers on_shutdown with a single collective cleanup
// budget shared by all subscribers: the deadline is not reset between them.
func (b *Bus) PublishShutdown(ctx context.Context, budget time.Duration, payload map[string]any) []Delivery {
	if budget <= 0 {
		budget = region.DefaultCleanupBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return b.Publish(ctx, &Event{Name: OnShutdown, Payload: payload})
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, ev *Event) (herr *hostcall.Error) {
	defer func() {
		if p := recover(); p != nil {
			herr = hostcall.NewError(hostcall.CodeInternal, "subscriber panic: %v", p)
		}
	}()
	if sub.Region != nil {
		// The handler observes region cancellation through the merged context.
		var cancel context.CancelFunc
		ctx, cancel = mergeDone(ctx, sub.Region.Context())
		defer cancel()
	}
	if err := sub.Handler(ctx, ev); err != nil {
		if typed, ok := err.(*hostcall.Error); ok {
			return typed
		}
		return hostcall.NewError(hostcall.CodeInternal, "%v", err)
	}
	return nil
}

// mergeDone derives a context that is cancelled when either input is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// String implements fmt.Stringer for diagnostics.
func (e *Event) String() string {
	return fmt.Sprintf("event(%s)", e.Name)
}
