package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of orchestrator event.
type EventKind string

const (
	EventTaskStart      EventKind = "task_start"
	EventSkillsSelected EventKind = "skills_selected"
	EventPlanCreated    EventKind = "plan_created"
	EventPlanUpdated    EventKind = "plan_updated"
	EventCompaction     EventKind = "compaction"
	EventStep           EventKind = "step"
	EventLoopDetected   EventKind = "loop_detected"
	EventFinal          EventKind = "final"
	EventError          EventKind = "error"
)

// Event is a typed progress event. Step is set for EventStep; the final
// answer and terminal state travel in Data for EventFinal.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Step      *StepRecord    `json:"step,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events to the host application over a buffered
// channel. Emit never blocks: when the buffer is full the event is dropped.
type EventEmitter struct {
	sessionID string
	ch        chan Event
	closed    bool
	dropped   int
	mu        sync.Mutex
}

// NewEventEmitter creates an emitter with the given buffer size (256 when
// non-positive).
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit sends an event. Events emitted after Close are dropped.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.send(Event{Kind: kind, Data: data})
}

// EmitStep sends an EventStep carrying a copy of rec.
func (e *EventEmitter) EmitStep(rec StepRecord) {
	e.send(Event{Kind: EventStep, Step: &rec})
}

func (e *EventEmitter) send(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event.Timestamp = time.Now()
	event.SessionID = e.sessionID
	select {
	case e.ch <- event:
	default:
		e.dropped++
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
