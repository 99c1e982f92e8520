package gossip

import (
	"sync"
)

// Watcher is used to receive notifications when the known state of a node
// changes.
//
// The implementations of Watcher must not block. Watchers are called after
// the store has been updated, though may be called concurrently from
// different goroutines.
type Watcher interface {
	// OnJoin notifies that a new node was discovered.
	OnJoin(record NodeRecord)

	// OnUpdate notifies that the record of a known node was replaced, such
	// as its status or metadata changed.
	OnUpdate(previous NodeRecord, record NodeRecord)

	// OnExpired notifies that a dead or left node was removed.
	OnExpired(record NodeRecord)
}

type EventType int

const (
	EventJoin EventType = iota + 1
	EventUpdate
	EventExpired
)

func (t EventType) String() string {
	switch t {
	case EventJoin:
		return "join"
	case EventUpdate:
		return "update"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event describes a change to the known state of a node.
type Event struct {
	Type EventType

	Record NodeRecord

	// Previous is the replaced record. Only set for EventUpdate.
	Previous NodeRecord
}

// StatusChanged returns whether the event changed the nodes status.
func (e Event) StatusChanged() bool {
	switch e.Type {
	case EventJoin, EventExpired:
		return true
	default:
		return e.Previous.Status != e.Record.Status
	}
}

// WatcherFunc adapts a function to a Watcher.
type WatcherFunc func(e Event)

func (f WatcherFunc) OnJoin(record NodeRecord) {
	f(Event{Type: EventJoin, Record: record})
}

func (f WatcherFunc) OnUpdate(previous NodeRecord, record NodeRecord) {
	f(Event{Type: EventUpdate, Record: record, Previous: previous})
}

func (f WatcherFunc) OnExpired(record NodeRecord) {
	f(Event{Type: EventExpired, Record: record})
}

var _ Watcher = WatcherFunc(nil)

// watchers contains the subscribed watchers.
type watchers struct {
	watchers map[uint64]Watcher
	nextID   uint64

	// mu protects the above fields.
	mu sync.RWMutex
}

func newWatchers() *watchers {
	return &watchers{
		watchers: make(map[uint64]Watcher),
	}
}

// Add subscribes the watcher and returns a function to unsubscribe.
func (w *watchers) Add(watcher Watcher) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	w.nextID++
	w.watchers[id] = watcher

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()

			delete(w.watchers, id)
		})
	}
}

func (w *watchers) Notify(e Event) {
	w.mu.RLock()
	subscribed := make([]Watcher, 0, len(w.watchers))
	for _, watcher := range w.watchers {
		subscribed = append(subscribed, watcher)
	}
	w.mu.RUnlock()

	for _, watcher := range subscribed {
		switch e.Type {
		case EventJoin:
			watcher.OnJoin(e.Record)
		case EventUpdate:
			watcher.OnUpdate(e.Previous, e.Record)
		case EventExpired:
			watcher.OnExpired(e.Record)
		}
	}
}
