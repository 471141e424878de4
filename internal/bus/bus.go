// Package bus is the message-passing boundary between the interceptor and
// page-side clients. Payloads are plain structs with no shared mutable state;
// the interceptor and its clients never hold references into each other.
package bus

import (
	"sync"

	"github.com/google/uuid"
)

// CommandType enumerates the control-plane commands.
type CommandType int

const (
	PromoteWaiting CommandType = iota
	ClearAll
	ClearOwned
	ForceUpdate
	GetStatus
)

func (t CommandType) String() string {
	switch t {
	case PromoteWaiting:
		return "promote-waiting"
	case ClearAll:
		return "clear-all"
	case ClearOwned:
		return "clear-owned"
	case ForceUpdate:
		return "force-update"
	case GetStatus:
		return "get-status"
	}
	return "unknown"
}

// Command is one control-plane request. Reply is the dedicated correlation
// channel for this call; it must be buffered so the responder never blocks.
type Command struct {
	ID    uuid.UUID
	Type  CommandType
	Reply chan Reply
}

// Reply carries a command result. Failures are encoded here, never panicked
// or thrown across the bus.
type Reply struct {
	ID           uuid.UUID
	Success      bool
	ClearedCount int
	Version      string
	Status       *Status
	Err          string
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	CurrentVersion          string
	CurrentGenerationExists bool
	OwnedGenerationNames    []string
	Environment             string
	EntryCount              int
}

// EventKind enumerates lifecycle notifications.
type EventKind int

const (
	// Installed fires when a new generation finished installing.
	Installed EventKind = iota
	// Activated fires when a generation became the active one.
	Activated
)

func (k EventKind) String() string {
	if k == Installed {
		return "installed"
	}
	return "activated"
}

// Event is a fire-and-forget lifecycle notification.
type Event struct {
	Kind        EventKind
	Version     string
	Name        string
	Environment string
}

// Bus connects clients to the interceptor. Commands flow through a buffered
// channel; lifecycle events fan out to every subscriber.
type Bus struct {
	Commands chan Command

	mu   sync.Mutex
	subs map[uuid.UUID]chan Event

	// OnLastDetach runs after the last subscriber leaves. The generation
	// manager uses it for natural activation handover.
	OnLastDetach func()
}

func New() *Bus {
	return &Bus{
		Commands: make(chan Command, 16),
		subs:     make(map[uuid.UUID]chan Event),
	}
}

// Subscribe attaches a client and returns its lifecycle event stream.
func (b *Bus) Subscribe() (uuid.UUID, <-chan Event) {
	id := uuid.New()
	ch := make(chan Event, 8)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe detaches a client. Idempotent.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	last := ok && len(b.subs) == 0
	hook := b.OnLastDetach
	b.mu.Unlock()

	if last && hook != nil {
		hook()
	}
}

// ClientCount reports the number of attached clients.
func (b *Bus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish broadcasts an event to every subscriber. Fire-and-forget: slow
// subscribers lose events rather than block the interceptor.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Send queues a command without blocking. Returns false when the command
// channel is full or no responder is draining it.
func (b *Bus) Send(cmd Command) bool {
	select {
	case b.Commands <- cmd:
		return true
	default:
		return false
	}
}
