// Package events carries upload task notifications from the engine to
// subscribers such as the terminal UI.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/chunkup/internal/constants"
	"github.com/rescale/chunkup/internal/models"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventLog           EventType = "log"
	EventStateChange   EventType = "state_change"   // Task moved between states
	EventProgress      EventType = "progress"       // Hashing or upload byte progress
	EventChunkProgress EventType = "chunk_progress" // One chunk changed status
	EventTaskFailed    EventType = "task_failed"    // Published exactly once per failed task
	EventTaskCompleted EventType = "task_completed"
)

// LogLevel defines log severity levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

func newBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, Time: time.Now()}
}

// LogEvent represents log messages
type LogEvent struct {
	BaseEvent
	Level   LogLevel
	Message string
	TaskID  string
	Error   error
}

// StateChangeEvent represents task state transitions
type StateChangeEvent struct {
	BaseEvent
	TaskID   string
	FileName string
	From     models.TaskState
	To       models.TaskState
}

// ProgressEvent represents byte progress of a stage ("hashing" or "uploading")
type ProgressEvent struct {
	BaseEvent
	TaskID       string
	FileName     string
	Stage        string
	Progress     float64 // 0.0 to 1.0
	BytesCurrent int64
	BytesTotal   int64
}

// ChunkEvent represents a chunk status change
type ChunkEvent struct {
	BaseEvent
	TaskID   string
	Progress models.ChunkProgress
}

// FailureEvent is the terminal failure notification of a task
type FailureEvent struct {
	BaseEvent
	TaskID   string
	FileName string
	Kind     string
	Chunks   []int // unacked chunk indices
	Error    error
}

// CompleteEvent is the terminal success notification of a task
type CompleteEvent struct {
	BaseEvent
	TaskID   string
	FileName string
	FileRef  models.FileRef
	Instant  bool // completed by the dedup probe without transferring chunks
	Duration time.Duration
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking. Events for a
// full subscriber are dropped and counted.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishLog is a convenience method for publishing log events
func (eb *EventBus) PublishLog(level LogLevel, message, taskID string, err error) {
	eb.Publish(&LogEvent{
		BaseEvent: newBase(EventLog),
		Level:     level,
		Message:   message,
		TaskID:    taskID,
		Error:     err,
	})
}

// PublishStateChange is a convenience method for publishing state change events
func (eb *EventBus) PublishStateChange(taskID, fileName string, from, to models.TaskState) {
	eb.Publish(&StateChangeEvent{
		BaseEvent: newBase(EventStateChange),
		TaskID:    taskID,
		FileName:  fileName,
		From:      from,
		To:        to,
	})
}

// PublishProgress is a convenience method for publishing byte progress
func (eb *EventBus) PublishProgress(taskID, fileName, stage string, current, total int64) {
	progress := 0.0
	if total > 0 {
		progress = float64(current) / float64(total)
	}
	eb.Publish(&ProgressEvent{
		BaseEvent:    newBase(EventProgress),
		TaskID:       taskID,
		FileName:     fileName,
		Stage:        stage,
		Progress:     progress,
		BytesCurrent: current,
		BytesTotal:   total,
	})
}

// PublishChunk is a convenience method for publishing chunk status changes
func (eb *EventBus) PublishChunk(taskID string, p models.ChunkProgress) {
	eb.Publish(&ChunkEvent{
		BaseEvent: newBase(EventChunkProgress),
		TaskID:    taskID,
		Progress:  p,
	})
}

// PublishFailure publishes the terminal failure of a task
func (eb *EventBus) PublishFailure(taskID, fileName, kind string, chunks []int, err error) {
	eb.Publish(&FailureEvent{
		BaseEvent: newBase(EventTaskFailed),
		TaskID:    taskID,
		FileName:  fileName,
		Kind:      kind,
		Chunks:    chunks,
		Error:     err,
	})
}

// PublishComplete publishes the terminal success of a task
func (eb *EventBus) PublishComplete(taskID, fileName string, ref models.FileRef, instant bool, d time.Duration) {
	eb.Publish(&CompleteEvent{
		BaseEvent: newBase(EventTaskCompleted),
		TaskID:    taskID,
		FileName:  fileName,
		FileRef:   ref,
		Instant:   instant,
		Duration:  d,
	})
}

// Unsubscribe removes and closes a subscription channel of a specific event type
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			close(subCh)
			return
		}
	}
}

// UnsubscribeAll removes and closes a subscription channel wherever it is registered
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				close(subCh)
				return
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			close(subCh)
			return
		}
	}
}

// GetDroppedEventCount returns the total number of events dropped due to full buffers
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}
