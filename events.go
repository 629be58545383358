package merchsync

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// EventType names a Manager lifecycle event.
type EventType string

const (
	EventQueueItemAdded      EventType = "queue_item_added"
	EventSyncStarted         EventType = "sync_started"
	EventSyncCompleted       EventType = "sync_completed"
	EventSyncFailed          EventType = "sync_failed"
	EventOnlineStatusChanged EventType = "online_status_changed"
	EventStatsUpdated        EventType = "stats_updated"
)

// Event is delivered to listeners. Item is a copy taken when the event fired;
// Stats is set only for stats_updated.
type Event struct {
	Type   EventType  `json:"type"`
	At     time.Time  `json:"at"`
	Item   *QueueItem `json:"item,omitempty"`
	Online bool       `json:"online"`
	Stats  *Stats     `json:"stats,omitempty"`
}

// Listener receives Manager events. It runs on the goroutine that produced the
// event and must not block for long.
type Listener func(Event)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type listenerSet struct {
	mu        sync.Mutex
	next      ListenerID
	listeners map[ListenerID]Listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{listeners: make(map[ListenerID]Listener)}
}

func (s *listenerSet) add(l Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.listeners[s.next] = l
	return s.next
}

func (s *listenerSet) remove(id ListenerID) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

func (s *listenerSet) clear() {
	s.mu.Lock()
	s.listeners = make(map[ListenerID]Listener)
	s.mu.Unlock()
}

// emit calls every listener in registration order. A panicking listener is
// logged and skipped.
func (s *listenerSet) emit(ev Event) {
	s.mu.Lock()
	ids := make([]ListenerID, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.mu.Unlock()

	for _, l := range ls {
		callListener(l, ev)
	}
}

func callListener(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync manager: event listener panicked",
				"event", ev.Type,
				"panic", r,
			)
		}
	}()
	l(ev)
}
