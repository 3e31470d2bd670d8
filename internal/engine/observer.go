package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/seantiz/accelrt/internal/model"
)

// MaxObservers bounds the observer list of one engine.
const MaxObservers = 8

// ErrTooManyObservers is returned by AddObserver once MaxObservers are set.
var ErrTooManyObservers = errors.New("too many observers")

// EventKind identifies the lifecycle point an Event describes.
type EventKind int

const (
	EventSubmit EventKind = iota
	EventLaunch
	EventFinish
)

func (k EventKind) String() string {
	switch k {
	case EventSubmit:
		return "submit"
	case EventLaunch:
		return "launch"
	case EventFinish:
		return "finish"
	}
	return "unknown"
}

// Event is a copy of a task's state at one lifecycle point. State on a
// finish event is the outcome: Completed, Failed or Aborted.
type Event struct {
	Kind        EventKind
	DeviceID    string
	StreamID    int
	TaskID      model.TaskID
	Type        model.TaskType
	State       model.TaskState
	ErrorCode   uint32
	RetryCount  int
	SubmittedAt time.Time
	At          time.Time
}

// Observer receives task lifecycle events. Observe runs synchronously on
// the goroutine that caused the event and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type observerSet struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observerSet) add(obs Observer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.list) >= MaxObservers {
		return ErrTooManyObservers
	}
	o.list = append(o.list, obs)
	return nil
}

func (o *observerSet) notify(ev Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.list {
		obs.Observe(ev)
	}
}

func (e *Engine) event(kind EventKind, t *model.Task, state model.TaskState) {
	e.observers.notify(Event{
		Kind:        kind,
		DeviceID:    e.deviceID,
		StreamID:    t.StreamID,
		TaskID:      t.ID,
		Type:        t.Type,
		State:       state,
		ErrorCode:   t.ErrorCode(),
		RetryCount:  t.RetryCount(),
		SubmittedAt: t.SubmittedAt,
		At:          time.Now(),
	})
}
