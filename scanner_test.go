package merchsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSetter captures SetOnline calls.
type recordingSetter struct {
	mu    sync.Mutex
	calls []bool
}

func (s *recordingSetter) SetOnline(online bool) {
	s.mu.Lock()
	s.calls = append(s.calls, online)
	s.mu.Unlock()
}

func (s *recordingSetter) last() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return false, 0
	}
	return s.calls[len(s.calls)-1], len(s.calls)
}

// scriptedProbe returns the scripted results in order, then the last one.
func scriptedProbe(results ...error) ProbeFunc {
	var mu sync.Mutex
	i := 0
	return func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		err := results[min(i, len(results)-1)]
		i++
		return err
	}
}

var errUnreachable = errors.New("unreachable")

func TestProber_Check_Threshold(t *testing.T) {
	target := &recordingSetter{}
	p := NewProber(scriptedProbe(errUnreachable, errUnreachable, errUnreachable, nil), target, time.Minute, 3)
	ctx := context.Background()

	p.check(ctx)
	p.check(ctx)
	if _, n := target.last(); n != 0 {
		t.Fatalf("expected no change before the threshold, got %d calls", n)
	}

	p.check(ctx)
	if online, n := target.last(); n != 1 || online {
		t.Fatalf("expected offline after 3 failures, got online=%v after %d calls", online, n)
	}

	p.check(ctx)
	if online, _ := target.last(); !online {
		t.Error("expected online after the first success")
	}
	if p.failures != 0 {
		t.Errorf("expected failure count reset, got %d", p.failures)
	}
}

func TestProber_Check_SuccessReportsOnline(t *testing.T) {
	target := &recordingSetter{}
	p := NewProber(scriptedProbe(nil), target, time.Minute, 0)

	p.check(context.Background())

	if online, n := target.last(); n != 1 || !online {
		t.Errorf("expected one online report, got online=%v after %d calls", online, n)
	}
	if p.threshold != 1 {
		t.Errorf("expected threshold clamped to 1, got %d", p.threshold)
	}
}

func TestProber_Check_CancelledContext(t *testing.T) {
	target := &recordingSetter{}
	p := NewProber(scriptedProbe(errUnreachable), target, time.Minute, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.check(ctx)

	if _, n := target.last(); n != 0 {
		t.Errorf("expected no report during shutdown, got %d", n)
	}
}

func TestProber_StartStop(t *testing.T) {
	target := &recordingSetter{}
	p := NewProber(scriptedProbe(nil), target, 10*time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	// Let it tick a couple of times.
	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
		// OK
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not stop within 2 seconds")
	}
	if _, n := target.last(); n < 2 {
		t.Errorf("expected an immediate probe plus ticks, got %d", n)
	}
}

func TestProber_DrivesManager(t *testing.T) {
	m := startManager(t, testConfig())
	p := NewProber(scriptedProbe(errUnreachable), m, time.Minute, 1)

	p.check(context.Background())
	if m.IsOnline() {
		t.Error("expected manager offline after a failed probe")
	}
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), srv.URL)
	if err := probe(context.Background()); err != nil {
		t.Errorf("expected 204 to count as reachable, got %v", err)
	}

	status.Store(http.StatusNotFound)
	if err := probe(context.Background()); err != nil {
		t.Errorf("expected 404 to count as reachable, got %v", err)
	}

	status.Store(http.StatusBadGateway)
	if err := probe(context.Background()); err == nil {
		t.Error("expected 502 to count as unreachable")
	}

	srv.Close()
	if err := probe(context.Background()); err == nil {
		t.Error("expected a closed server to be unreachable")
	}
}
