// Package bus provides the in-process typed publish/subscribe hub that
// connects Substrate's components. Delivery is synchronous and carries
// no persistence: handlers must be fast or offload to their own
// goroutines.
package bus

import (
	"log"
	"sync"
	"time"
)

// Kind names an event on the bus.
type Kind string

// Event catalogue. A single component emits each kind; many may
// subscribe.
const (
	// Task lifecycle (emitted by the engine).
	TaskReady     Kind = "task:ready"
	TaskRunning   Kind = "task:running"
	TaskProgress  Kind = "task:progress"
	TaskComplete  Kind = "task:complete"
	TaskFailed    Kind = "task:failed"
	TaskCancelled Kind = "task:cancelled"

	// Worker lifecycle (emitted by the pool).
	WorkerSpawned    Kind = "worker:spawned"
	WorkerTerminated Kind = "worker:terminated"

	// Worktree lifecycle (emitted by the worktree manager).
	WorktreeCreated  Kind = "worktree:created"
	WorktreeMerged   Kind = "worktree:merged"
	WorktreeConflict Kind = "worktree:conflict"
	WorktreeRemoved  Kind = "worktree:removed"

	// Graph lifecycle (emitted by the engine).
	GraphLoaded   Kind = "graph:loaded"
	GraphComplete Kind = "graph:complete"

	// Budget (emitted by the enforcer).
	BudgetWarningTask     Kind = "budget:warning:task"
	BudgetExceededTask    Kind = "budget:exceeded:task"
	BudgetWarningSession  Kind = "budget:warning:session"
	BudgetExceededSession Kind = "session:budget:exceeded"

	// Orchestrator lifecycle.
	OrchestratorReady    Kind = "orchestrator:ready"
	OrchestratorShutdown Kind = "orchestrator:shutdown"
)

// Event is the structured payload delivered to handlers. Only the
// fields relevant to the kind are populated.
type Event struct {
	Kind      Kind
	SessionID string
	TaskID    string
	WorkerID  string
	Agent     string
	OldStatus string
	NewStatus string
	// CostUSD is the cost delta for cost-bearing events and the current
	// total for budget events.
	CostUSD float64
	// PercentUsed is set on budget warning/exceeded events.
	PercentUsed float64
	// Action is set on budget exceeded events ("terminate",
	// "terminate-all").
	Action string
	// Files lists affected paths for worktree merge/conflict events.
	Files     []string
	Message   string
	Err       error
	Timestamp time.Time
}

// Handler receives events synchronously. A panicking handler is
// isolated: the panic is logged and delivery continues.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	kind Kind
	id   uint64
}

type entry struct {
	id uint64
	fn Handler
}

// Bus is the process-wide event hub for one orchestration run.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Kind][]entry
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Kind][]entry)}
}

// Subscribe registers a handler for the given kind and returns a
// Subscription usable with Unsubscribe. Handlers run in registration
// order.
func (b *Bus) Subscribe(kind Kind, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], entry{id: b.nextID, fn: fn})
	return Subscription{kind: kind, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. Unknown
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			b.handlers[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers the event synchronously to each handler registered for
// its kind at the time of the call. The handler list is snapshotted
// before delivery, so handlers may subscribe, unsubscribe, or emit
// re-entrantly.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	entries := make([]entry, len(b.handlers[ev.Kind]))
	copy(entries, b.handlers[ev.Kind])
	b.mu.RUnlock()

	for _, e := range entries {
		b.deliver(e, ev)
	}
}

func (b *Bus) deliver(e entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] handler for %s panicked: %v", ev.Kind, r)
		}
	}()
	e.fn(ev)
}

// HandlerCount returns the number of handlers registered for a kind.
func (b *Bus) HandlerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
