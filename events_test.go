package merchsync

import (
	"fmt"
	"slices"
	"testing"
)

func TestListenerSet_OrderAndRemoval(t *testing.T) {
	s := newListenerSet()
	var order []string
	first := s.add(func(Event) { order = append(order, "first") })
	s.add(func(Event) { panic("listener bug") })
	s.add(func(Event) { order = append(order, "third") })

	s.emit(Event{Type: EventStatsUpdated})
	if !slices.Equal(order, []string{"first", "third"}) {
		t.Fatalf("unexpected delivery order %v", order)
	}

	s.remove(first)
	order = nil
	s.emit(Event{Type: EventStatsUpdated})
	if !slices.Equal(order, []string{"third"}) {
		t.Errorf("expected only third after removal, got %v", order)
	}

	s.clear()
	order = nil
	s.emit(Event{Type: EventStatsUpdated})
	if len(order) != 0 {
		t.Errorf("expected no deliveries after clear, got %v", order)
	}
}

func TestErrorLog_KeepsMostRecent(t *testing.T) {
	l := errorLog{limit: 3}
	for i := range 5 {
		l.add(fmt.Sprintf("e%d", i))
	}
	if got := l.snapshot(); !slices.Equal(got, []string{"e2", "e3", "e4"}) {
		t.Errorf("unexpected log %v", got)
	}

	off := errorLog{}
	off.add("ignored")
	if got := off.snapshot(); len(got) != 0 {
		t.Errorf("expected disabled log to stay empty, got %v", got)
	}
}
