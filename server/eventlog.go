package server

import (
	"context"
	"sync"
	"time"

	"github.com/matgreaves/wsrig/spec"
)

// EventType identifies the kind of runtime event.
type EventType string

const (
	// Machine lifecycle.
	EventMachinePhase   EventType = "machine.phase"
	EventMachineRunning EventType = "machine.running"
	EventMachineFailed  EventType = "machine.failed"
	EventMachineLog     EventType = "machine.log"
	EventMachineStopped EventType = "machine.stopped"

	// Bootstrapping.
	EventBootstrapStarting EventType = "bootstrap.starting"
	EventBootstrapDone     EventType = "bootstrap.done"
	EventBootstrapFailed   EventType = "bootstrap.failed"
	EventInstallerLog      EventType = "installer.log"

	// Runtime lifecycle.
	EventRuntimeStarting EventType = "runtime.starting"
	EventRuntimeUp       EventType = "runtime.up"
	EventRuntimeError    EventType = "runtime.error"
	EventRuntimeDown     EventType = "runtime.down"
)

// LogEntry holds a line of machine or installer output.
type LogEntry struct {
	Stream    string `json:"stream,omitempty"` // "stdout" or "stderr"
	Installer string `json:"installer,omitempty"`
	Data      string `json:"data"`
}

// Event is a single entry in a runtime's event log.
type Event struct {
	Seq       uint64             `json:"seq"`
	Type      EventType          `json:"type"`
	Workspace string             `json:"workspace,omitempty"`
	Machine   string             `json:"machine,omitempty"`
	Phase     string             `json:"phase,omitempty"`
	Status    spec.RuntimeStatus `json:"status,omitempty"`
	Log       *LogEntry          `json:"log,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// EventLog is an ordered, in-memory timeline of one runtime. Events are
// appended with monotonically increasing sequence numbers. Subscribers can
// replay from any point. WaitFor scans the existing log before blocking.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	seq    uint64
	notify chan struct{} // closed and replaced on each new event
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{
		notify: make(chan struct{}),
	}
}

// Publish appends an event with the next sequence number and the current
// timestamp, then wakes all waiters.
func (l *EventLog) Publish(event Event) {
	l.mu.Lock()
	l.seq++
	event.Seq = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.events = append(l.events, event)
	ch := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()

	close(ch)
}

// Events returns a snapshot of all events in the log.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns all events with sequence number > seq.
func (l *EventLog) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eventsSince(seq)
}

// eventsSince returns events with Seq > seq. Caller must hold l.mu.
// Seq numbers are 1-indexed and contiguous.
func (l *EventLog) eventsSince(seq uint64) []Event {
	start := int(seq)
	if start >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Subscribe returns a channel that receives events starting after fromSeq.
// It replays existing events, then streams new ones as they arrive. The
// channel is closed when ctx is cancelled.
//
// The channel is buffered (256). A subscriber that falls behind loses
// events; publishers never block.
func (l *EventLog) Subscribe(ctx context.Context, fromSeq uint64, filter func(Event) bool) <-chan Event {
	ch := make(chan Event, 256)

	go func() {
		defer close(ch)

		cursor := fromSeq
		for {
			l.mu.Lock()
			batch := l.eventsSince(cursor)
			notify := l.notify
			l.mu.Unlock()

			for _, e := range batch {
				cursor = e.Seq
				if filter != nil && !filter(e) {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				default:
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// WaitFor returns the first event matching match, blocking until one is
// published or ctx is cancelled.
func (l *EventLog) WaitFor(ctx context.Context, match func(Event) bool) (Event, error) {
	l.mu.Lock()
	for _, e := range l.events {
		if match(e) {
			l.mu.Unlock()
			return e, nil
		}
	}
	cursor := l.seq
	notify := l.notify
	l.mu.Unlock()

	for {
		select {
		case <-notify:
			l.mu.Lock()
			batch := l.eventsSince(cursor)
			notify = l.notify
			l.mu.Unlock()

			for _, e := range batch {
				if match(e) {
					return e, nil
				}
				cursor = e.Seq
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
