package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypePhaseEntered  = "phase.entered"
	EventTypeActionOutcome = "action.outcome"
	EventTypeNotification  = "notify"
	EventTypeError         = "error"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// Event is one step of a policy run as seen by subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	// Source is the component that emitted the event (orchestrator, actions).
	Source     string         `json:"source"`
	RunID      string         `json:"run_id,omitempty"`
	Policy     string         `json:"policy,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Message    string         `json:"message"`
	Level      string         `json:"level"`
	Data       map[string]any `json:"data,omitempty"`
}

func runEvent(typ, source, runID, policy string) Event {
	return Event{Type: typ, Source: source, RunID: runID, Policy: policy, Level: EventLevelInfo}
}

// EventSubscriber receives delivered events.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

// FilterByType selects events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(e Event) bool { return slices.Contains(types, e.Type) }
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans run events out to subscribers. Synchronous
// publishers deliver before Publish returns. Async publishers queue events
// and deliver them from one goroutine in publish order.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue chan Event
	stop  context.CancelFunc
	done  <-chan struct{}
	wg    sync.WaitGroup
}

// NewEventPublisher returns a publisher. A disabled publisher accepts and
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	if ep.config.FlushInterval <= 0 {
		ep.config.FlushInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep.stop, ep.done = cancel, ctx.Done()
	ep.queue = make(chan Event, cfg.BufferSize)

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.run()
	}
	return ep, nil
}

// Subscribe registers fn for the events filter accepts, or for every
// event when filter is nil.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps e with an id and timestamp when missing and delivers or
// queues it. Async publishers fail rather than block when the queue is
// full.
func (ep *EventPublisher) Publish(e Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliver(e)
		return nil
	}
	select {
	case <-ep.done:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) PublishRunStarted(runID, policy string, dryRun bool) error {
	e := runEvent(EventTypeRunStarted, "orchestrator", runID, policy)
	e.Message = fmt.Sprintf("policy %s: run %s started", policy, runID)
	e.Data = map[string]any{"dry_run": dryRun}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishRunCompleted(runID, policy, status string, matched int, duration time.Duration) error {
	e := runEvent(EventTypeRunCompleted, "orchestrator", runID, policy)
	e.Message = fmt.Sprintf("policy %s: run %s %s, %d matched", policy, runID, status, matched)
	e.Data = map[string]any{"status": status, "matched": matched, "duration": duration.Seconds()}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishRunFailed(runID, policy, reason string) error {
	e := runEvent(EventTypeRunFailed, "orchestrator", runID, policy)
	e.Level = EventLevelError
	e.Message = fmt.Sprintf("policy %s: run %s failed: %s", policy, runID, reason)
	e.Data = map[string]any{"reason": reason}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishPhaseEntered(runID, policy, phase string) error {
	e := runEvent(EventTypePhaseEntered, "orchestrator", runID, policy)
	e.Message = fmt.Sprintf("policy %s: run %s entered %s", policy, runID, phase)
	e.Data = map[string]any{"phase": phase}
	return ep.Publish(e)
}

// PublishActionOutcome reports one action applied to one resource. Failed
// outcomes are published at error level.
func (ep *EventPublisher) PublishActionOutcome(runID, policy, resourceID, action, status, message string) error {
	e := runEvent(EventTypeActionOutcome, "actions", runID, policy)
	e.ResourceID = resourceID
	if status == "failed" {
		e.Level = EventLevelError
	}
	e.Message = fmt.Sprintf("%s %s: %s", action, resourceID, status)
	e.Data = map[string]any{"action": action, "status": status, "message": message}
	return ep.Publish(e)
}

// PublishNotification carries the rendered payload of a notify action.
func (ep *EventPublisher) PublishNotification(runID, policy, resourceID, message string, data map[string]any) error {
	e := runEvent(EventTypeNotification, "actions", runID, policy)
	e.ResourceID = resourceID
	e.Level = EventLevelWarning
	e.Message = message
	e.Data = data
	return ep.Publish(e)
}

// run delivers queued events in batches of at most MaxBatchSize, flushing
// partial batches every FlushInterval. After stop it drains the queue.
func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			if batch = append(batch, e); len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.done:
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered, or for ctx to end.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	ep.stop()

	drained := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}
