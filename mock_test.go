package merchsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockDeadLetterStore is a thread-safe in-memory DeadLetterStore for unit tests.
type mockDeadLetterStore struct {
	mu      sync.Mutex
	entries map[string]*DeadLetter

	insertErr  error
	getErr     error
	listErr    error
	requeueErr error

	insertCalls  int
	requeueCalls int
}

func newMockDeadLetterStore() *mockDeadLetterStore {
	return &mockDeadLetterStore{entries: make(map[string]*DeadLetter)}
}

func (m *mockDeadLetterStore) InsertDeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, exists := m.entries[dl.ID]; exists {
		return nil
	}
	cp := dl
	m.entries[dl.ID] = &cp
	return nil
}

func (m *mockDeadLetterStore) GetDeadLetter(_ context.Context, id string) (*DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	dl, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("not found: %s", id)
	}
	cp := *dl
	return &cp, nil
}

func (m *mockDeadLetterStore) ListDeadLetters(_ context.Context, opts DeadLetterListOpts) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	var result []DeadLetter
	for _, dl := range m.entries {
		if opts.Requeued != nil && dl.Requeued != *opts.Requeued {
			continue
		}
		if opts.DataType != "" && dl.DataType != opts.DataType {
			continue
		}
		if opts.Reason != "" && dl.Reason != opts.Reason {
			continue
		}
		result = append(result, *dl)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *mockDeadLetterStore) MarkRequeued(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeueCalls++
	if m.requeueErr != nil {
		return m.requeueErr
	}
	dl, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("not found: %s", id)
	}
	if dl.Requeued {
		return fmt.Errorf("already requeued: %s", id)
	}
	now := time.Now().UTC()
	dl.Requeued = true
	dl.RequeuedAt = &now
	return nil
}

func (m *mockDeadLetterStore) seed(entries ...DeadLetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entries {
		dl := entries[i]
		if dl.Results == nil {
			dl.Results = []DestinationResult{}
		}
		m.entries[dl.ID] = &dl
	}
}

func (m *mockDeadLetterStore) all() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, 0, len(m.entries))
	for _, dl := range m.entries {
		out = append(out, *dl)
	}
	return out
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func (m *mockNATS) subjects() []string {
	var out []string
	for _, msg := range m.published() {
		out = append(out, msg.Subject)
	}
	return out
}

// mockAdapter is a scriptable destination. It fails the first failFirst
// calls (every call when failAlway is set), optionally blocks on release, and
// tracks concurrency per item payload.
type mockAdapter struct {
	mu        sync.Mutex
	calls     []adapterCall
	failFirst int
	failAlway bool
	err       error
	panicMsg  string
	release   chan struct{}
	active    map[string]int
	maxActive map[string]int
	current   int
	peak      int
}

type adapterCall struct {
	Op      Operation
	Payload any
	At      time.Time
}

var errDestinationDown = errors.New("destination unavailable")

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		err:       errDestinationDown,
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}
}

func (a *mockAdapter) Sync(ctx context.Context, op Operation, payload any) (any, error) {
	key := fmt.Sprint(payload)
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, adapterCall{Op: op, Payload: payload, At: time.Now()})
	a.active[key]++
	if a.active[key] > a.maxActive[key] {
		a.maxActive[key] = a.active[key]
	}
	a.current++
	if a.current > a.peak {
		a.peak = a.current
	}
	release := a.release
	fail := a.failAlway || n < a.failFirst
	err := a.err
	panicMsg := a.panicMsg
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.active[key]--
		a.current--
		a.mu.Unlock()
	}()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if fail {
		return nil, err
	}
	return map[string]any{"ok": true, "call": n + 1}, nil
}

func (a *mockAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *mockAdapter) callTimes() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]time.Time, len(a.calls))
	for i, c := range a.calls {
		out[i] = c.At
	}
	return out
}

func (a *mockAdapter) maxConcurrentPerItem() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	peak := 0
	for _, n := range a.maxActive {
		peak = max(peak, n)
	}
	return peak
}

func (a *mockAdapter) peakConcurrency() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// mockSink records SyncRecord calls.
type mockSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

type sinkCall struct {
	DataType DataType
	Op       Operation
	Payload  any
}

func (s *mockSink) SyncRecord(_ context.Context, dataType DataType, op Operation, payload any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{DataType: dataType, Op: op, Payload: payload})
	if s.err != nil {
		return nil, s.err
	}
	return "ok", nil
}

func (s *mockSink) recorded() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

// eventRecorder is a Listener that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// memCheckpointer keeps the last saved queue in memory.
type memCheckpointer struct {
	mu    sync.Mutex
	items []QueueItem
	saves int
}

func (c *memCheckpointer) Save(_ context.Context, items []QueueItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]QueueItem(nil), items...)
	c.saves++
	return nil
}

func (c *memCheckpointer) Load(_ context.Context) ([]QueueItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QueueItem(nil), c.items...), nil
}

// testConfig schedules fast enough for unit tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackgroundSync = false
	cfg.FollowUpDelay = 5 * time.Millisecond
	cfg.BaseRetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = time.Second
	cfg.DestinationTimeout = 2 * time.Second
	cfg.CheckpointDelay = 10 * time.Millisecond
	return cfg
}

func startManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(cfg, opts...)
	m.Start(context.Background())
	t.Cleanup(m.Destroy)
	return m
}

func register(t *testing.T, m *Manager, s Strategy) {
	t.Helper()
	if err := m.Registry().Register(s); err != nil {
		t.Fatalf("register %s: %v", s.DataType, err)
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Verify interfaces at compile time.
var _ DeadLetterStore = (*mockDeadLetterStore)(nil)
var _ NATSPublisher = (*mockNATS)(nil)
var _ Adapter = (*mockAdapter)(nil)
var _ RecordSink = (*mockSink)(nil)
var _ Checkpointer = (*memCheckpointer)(nil)
var _ DeadLetterStore = (*Store)(nil)
var _ RecordSink = (*Store)(nil)
var _ RecordSink = (*SheetsClient)(nil)
var _ Checkpointer = (*SQLiteCheckpointer)(nil)
var _ Ingester = (*Service)(nil)
var _ OnlineSetter = (*Manager)(nil)
