package merchsync

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the Manager's scheduling, retry and retention behaviour.
type Config struct {
	// Concurrency is the number of items that may be in flight at once.
	Concurrency int
	// QueueCapacity bounds the number of items held, completed history included.
	QueueCapacity int
	// SyncInterval is the periodic pass interval while BackgroundSync is on.
	SyncInterval   time.Duration
	BackgroundSync bool
	// FollowUpDelay is the pause before another pass when ready items remain.
	FollowUpDelay time.Duration
	// DestinationTimeout bounds a single adapter call. Zero disables it.
	DestinationTimeout time.Duration
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	// CompletedRetention and MaxCompletedRetained bound completed history.
	CompletedRetention   time.Duration
	MaxCompletedRetained int
	MaxErrorLog          int
	// CheckpointDelay coalesces checkpoint writes when a Checkpointer is set.
	CheckpointDelay time.Duration
}

// DefaultConfig returns the settings used by the point-of-sale client.
func DefaultConfig() Config {
	return Config{
		Concurrency:          3,
		QueueCapacity:        1000,
		SyncInterval:         30 * time.Second,
		BackgroundSync:       true,
		FollowUpDelay:        250 * time.Millisecond,
		DestinationTimeout:   30 * time.Second,
		BaseRetryDelay:       defaultBaseRetryDelay,
		MaxRetryDelay:        defaultMaxRetryDelay,
		CompletedRetention:   10 * time.Minute,
		MaxCompletedRetained: 200,
		MaxErrorLog:          50,
		CheckpointDelay:      500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.FollowUpDelay <= 0 {
		c.FollowUpDelay = d.FollowUpDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = d.CompletedRetention
	}
	if c.MaxCompletedRetained < 0 {
		c.MaxCompletedRetained = 0
	}
	if c.CheckpointDelay <= 0 {
		c.CheckpointDelay = d.CheckpointDelay
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry sets the strategy registry. By default the Manager owns an
// empty one reachable through Registry.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		m.registry = r
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithCheckpointer enables queue checkpointing.
func WithCheckpointer(c Checkpointer) Option {
	return func(m *Manager) {
		m.checkpointer = c
	}
}

// WithOnline sets the initial connectivity flag. The default is online.
func WithOnline(online bool) Option {
	return func(m *Manager) {
		m.online.Store(online)
	}
}

// WithTracer overrides the OpenTelemetry tracer used for item spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = t
	}
}

// EnqueueOption overrides strategy defaults for one item.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	destinations []Destination
	priority     *int
	ownerID      string
}

// WithDestinations replaces the strategy's destination list for one item.
func WithDestinations(dests ...Destination) EnqueueOption {
	return func(o *enqueueOptions) {
		o.destinations = dests
	}
}

// WithPriority replaces the strategy's priority for one item.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = &p
	}
}

// WithOwner associates the item with a tenant or user.
func WithOwner(ownerID string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.ownerID = ownerID
	}
}

// Manager owns the sync queue, the connectivity flag and the processing loop.
type Manager struct {
	cfg          Config
	registry     *Registry
	observer     Observer
	checkpointer Checkpointer
	saver        *Coalescer[struct{}, struct{}]
	tracer       trace.Tracer
	listeners    *listenerSet
	now          func() time.Time

	online       atomic.Bool
	// loopEmitting is set while the loop goroutine is calling listeners.
	loopEmitting atomic.Bool

	mu             sync.Mutex
	items          map[string]*QueueItem
	inFlight       map[string]struct{}
	seq            uint64
	totalCompleted int64
	totalFailed    int64
	lastSyncAt     *time.Time
	errors         errorLog
	wake           *time.Timer
	wakeAt         time.Time
	started        bool
	destroyed      bool

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewManager creates a Manager. Call Start to begin processing.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		registry:  NewRegistry(),
		observer:  noopObserver{},
		tracer:    otel.Tracer("github.com/Rheannone/merch-table-sub003"),
		listeners: newListenerSet(),
		now:       time.Now,
		items:     make(map[string]*QueueItem),
		inFlight:  make(map[string]struct{}),
		errors:    errorLog{limit: cfg.MaxErrorLog},
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	if m.checkpointer != nil {
		m.saver = NewCoalescer(cfg.CheckpointDelay, func(ctx context.Context, _ []struct{}) (struct{}, error) {
			return struct{}{}, m.Checkpoint(ctx)
		})
	}
	return m
}

// Registry returns the strategy registry the Manager reads from.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start launches the scheduling loop. It returns immediately; the loop stops
// when ctx is cancelled or Destroy is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.destroyed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	var tick <-chan time.Time
	if m.cfg.BackgroundSync {
		ticker := time.NewTicker(m.cfg.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	slog.Info("sync manager: started",
		"interval", m.cfg.SyncInterval,
		"background_sync", m.cfg.BackgroundSync,
		"concurrency", m.cfg.Concurrency,
	)

	// In-flight items outlive the loop; Destroy does not abort them.
	work := context.WithoutCancel(ctx)
	m.processPass(work)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync manager: stopping", "reason", ctx.Err())
			return
		case <-m.stop:
			return
		case <-tick:
			m.processPass(work)
		case <-m.trigger:
			m.processPass(work)
		}
	}
}

func (m *Manager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// requestPass asks the loop for a pass without blocking. Requests made while
// one is already pending collapse into it.
func (m *Manager) requestPass() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Enqueue validates payload against the strategy for dataType and queues it.
// Validation and configuration problems are returned synchronously; every
// later failure is reported through item state, Stats and events.
func (m *Manager) Enqueue(dataType DataType, op Operation, payload any, opts ...EnqueueOption) (string, error) {
	s, err := m.registry.Lookup(dataType)
	if err != nil {
		slog.Error("sync manager: enqueue for unregistered data type", "data_type", dataType, "error", err)
		return "", err
	}
	if !op.Valid() {
		return "", &ValidationError{DataType: dataType, Errors: []string{fmt.Sprintf("unknown operation %q", op)}}
	}
	if err := s.validate(payload); err != nil {
		return "", err
	}

	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	dests := s.Destinations
	if len(o.destinations) > 0 {
		dests = o.destinations
	}
	for _, dest := range dests {
		if s.Adapters[dest] == nil {
			err := fmt.Errorf("%w: %s -> %s", ErrAdapterMissing, dataType, dest)
			slog.Error("sync manager: enqueue names destination without adapter", "data_type", dataType, "destination", dest)
			return "", err
		}
	}
	priority := s.Priority
	if o.priority != nil {
		priority = *o.priority
	}

	now := m.now()
	item := &QueueItem{
		ID:           uuid.NewString(),
		DataType:     dataType,
		Operation:    op,
		Payload:      payload,
		Destinations: slices.Clone(dests),
		Status:       StatusPending,
		MaxAttempts:  s.MaxAttempts,
		CreatedAt:    now,
		ScheduledAt:  now,
		Priority:     priority,
		OwnerID:      o.ownerID,
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return "", ErrManagerDestroyed
	}
	evicted, err := m.makeRoomLocked(now)
	if err != nil {
		m.mu.Unlock()
		slog.Warn("sync manager: queue full", "data_type", dataType, "capacity", m.cfg.QueueCapacity)
		return "", err
	}
	m.seq++
	item.seq = m.seq
	m.items[item.ID] = item
	added := item.clone()
	stats := m.statsLocked()
	m.mu.Unlock()

	for _, ev := range evicted {
		slog.Warn("sync manager: evicted pending item to make room",
			"item_id", ev.ID,
			"data_type", ev.DataType,
			"priority", ev.Priority,
		)
		m.observer.ItemEvicted(ev.DataType)
	}
	slog.Debug("sync manager: enqueued",
		"item_id", added.ID,
		"data_type", dataType,
		"operation", op,
		"priority", priority,
	)
	m.observer.ItemEnqueued(dataType)
	m.observer.QueueSize(stats.QueueSize)
	m.listeners.emit(Event{Type: EventQueueItemAdded, At: now, Item: &added, Online: stats.IsOnline})
	m.emitStats(now, stats)
	m.scheduleCheckpoint()

	if m.online.Load() {
		m.requestPass()
	}
	return added.ID, nil
}

// makeRoomLocked frees a slot when the queue is at capacity: completed
// history goes first, then the lowest-priority, oldest pending items.
func (m *Manager) makeRoomLocked(now time.Time) ([]QueueItem, error) {
	if len(m.items) < m.cfg.QueueCapacity {
		return nil, nil
	}
	m.pruneCompletedLocked(now)
	for len(m.items) >= m.cfg.QueueCapacity {
		var oldest *QueueItem
		for _, it := range m.items {
			if it.Status == StatusCompleted {
				if oldest == nil || it.seq < oldest.seq {
					oldest = it
				}
			}
		}
		if oldest == nil {
			break
		}
		delete(m.items, oldest.ID)
	}

	var evicted []QueueItem
	for len(m.items) >= m.cfg.QueueCapacity {
		var victim *QueueItem
		for _, it := range m.items {
			if it.Status != StatusPending {
				continue
			}
			if _, busy := m.inFlight[it.ID]; busy {
				continue
			}
			if victim == nil || it.Priority < victim.Priority ||
				(it.Priority == victim.Priority && it.seq < victim.seq) {
				victim = it
			}
		}
		if victim == nil {
			return evicted, ErrQueueFull
		}
		delete(m.items, victim.ID)
		evicted = append(evicted, victim.clone())
	}
	return evicted, nil
}

// pruneCompletedLocked drops completed items past the retention window and
// trims the remainder to MaxCompletedRetained.
func (m *Manager) pruneCompletedLocked(now time.Time) {
	var kept []*QueueItem
	for id, it := range m.items {
		if it.Status != StatusCompleted {
			continue
		}
		if it.CompletedAt != nil && now.Sub(*it.CompletedAt) > m.cfg.CompletedRetention {
			delete(m.items, id)
			continue
		}
		kept = append(kept, it)
	}
	if over := len(kept) - m.cfg.MaxCompletedRetained; over > 0 {
		slices.SortFunc(kept, func(a, b *QueueItem) int {
			return a.CompletedAt.Compare(*b.CompletedAt)
		})
		for _, it := range kept[:over] {
			delete(m.items, it.ID)
		}
	}
}

// ForceSync requests an immediate processing pass.
func (m *Manager) ForceSync() {
	slog.Debug("sync manager: forced sync requested")
	m.requestPass()
}

// SetOnline records a connectivity change. Coming online triggers a pass.
func (m *Manager) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	slog.Info("sync manager: connectivity changed", "online", online)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	stats := m.statsLocked()
	m.mu.Unlock()

	now := m.now()
	m.listeners.emit(Event{Type: EventOnlineStatusChanged, At: now, Online: online})
	m.emitStats(now, stats)
	if online {
		m.requestPass()
	}
}

// IsOnline reports the current connectivity flag.
func (m *Manager) IsOnline() bool {
	return m.online.Load()
}

// processPass dispatches every ready item the free slots allow.
func (m *Manager) processPass(ctx context.Context) {
	if !m.online.Load() {
		return
	}
	now := m.now()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.pruneCompletedLocked(now)
	selected := m.selectReadyLocked(now)

	type job struct {
		item     QueueItem
		strategy *Strategy
	}
	jobs := make([]job, 0, len(selected))
	var orphans []QueueItem
	for _, it := range selected {
		s, err := m.registry.Lookup(it.DataType)
		if err != nil {
			// Only restored items can reach here; there is nothing to retry with.
			delete(m.inFlight, it.ID)
			it.Status = StatusFailed
			it.LastError = strategyMissingError + ": " + string(it.DataType)
			m.totalFailed++
			m.errors.add(fmt.Sprintf("%s %s (%s): %s", it.DataType, it.Operation, it.ID, it.LastError))
			orphans = append(orphans, it.clone())
			continue
		}
		jobs = append(jobs, job{item: it.clone(), strategy: s})
	}
	m.rearmLocked(now)
	stats := m.statsLocked()
	m.mu.Unlock()

	m.loopEmitting.Store(true)
	defer m.loopEmitting.Store(false)

	for _, it := range orphans {
		slog.Error("sync manager: item has no strategy", "item_id", it.ID, "data_type", it.DataType)
		m.observer.ItemFailed(it.DataType)
		m.listeners.emit(Event{Type: EventSyncFailed, At: now, Item: &it, Online: stats.IsOnline})
	}
	if len(jobs) == 0 && len(orphans) == 0 {
		return
	}

	slog.Debug("sync manager: dispatching", "count", len(jobs), "in_flight", stats.InFlight)
	for _, j := range jobs {
		started := j.item
		m.listeners.emit(Event{Type: EventSyncStarted, At: now, Item: &started, Online: true})
		// A listener may have destroyed the manager.
		if m.isDestroyed() {
			return
		}
		go m.dispatch(ctx, j.item, j.strategy)
	}
	m.emitStats(now, stats)
}

// selectReadyLocked picks ready items by priority, then age, up to the free
// slot count, and marks them processing.
func (m *Manager) selectReadyLocked(now time.Time) []*QueueItem {
	slots := m.cfg.Concurrency - len(m.inFlight)
	if slots <= 0 {
		return nil
	}
	var ready []*QueueItem
	for _, it := range m.items {
		if _, busy := m.inFlight[it.ID]; busy {
			continue
		}
		if it.ready(now) {
			ready = append(ready, it)
		}
	}
	slices.SortFunc(ready, func(a, b *QueueItem) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	if len(ready) > slots {
		ready = ready[:slots]
	}
	for _, it := range ready {
		at := now
		it.Status = StatusProcessing
		it.Attempts++
		it.LastAttemptAt = &at
		m.inFlight[it.ID] = struct{}{}
	}
	return ready
}

// rearmLocked arms the wake timer for the next moment a pass can do work:
// a short follow-up when ready items wait for a free slot, otherwise the
// earliest scheduled retry.
func (m *Manager) rearmLocked(now time.Time) {
	if m.destroyed || !m.online.Load() {
		return
	}
	var next time.Time
	for _, it := range m.items {
		if !it.Status.Waiting() {
			continue
		}
		if _, busy := m.inFlight[it.ID]; busy {
			continue
		}
		at := it.ScheduledAt
		if !at.After(now) {
			if len(m.inFlight) >= m.cfg.Concurrency {
				continue
			}
			at = now.Add(m.cfg.FollowUpDelay)
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if next.IsZero() {
		return
	}
	if m.wake != nil && !m.wakeAt.IsZero() && !m.wakeAt.After(next) {
		return
	}
	if m.wake != nil {
		m.wake.Stop()
	}
	m.wakeAt = next
	m.wake = time.AfterFunc(max(next.Sub(now), 0), func() {
		m.mu.Lock()
		m.wakeAt = time.Time{}
		m.mu.Unlock()
		m.requestPass()
	})
}

// dispatch runs one attempt of one item: destinations in order, each gated
// by the strategy's dependency rule.
func (m *Manager) dispatch(ctx context.Context, it QueueItem, s *Strategy) {
	ctx, span := m.tracer.Start(ctx, "merchsync.sync_item", trace.WithAttributes(
		attribute.String("item.id", it.ID),
		attribute.String("item.data_type", string(it.DataType)),
		attribute.String("item.operation", string(it.Operation)),
		attribute.Int("item.attempt", it.Attempts),
		attribute.Int("item.max_attempts", it.MaxAttempts),
	))
	defer span.End()

	attempt := &QueueItem{Results: make([]DestinationResult, 0, len(it.Destinations))}
	for _, dest := range it.Destinations {
		var res DestinationResult
		switch {
		case it.succeeded(dest):
			res = DestinationResult{Destination: dest, Status: ResultSuccess}
			for _, prev := range it.Results {
				if prev.Destination == dest {
					res = prev
				}
			}
		case !s.dependenciesMet(attempt, dest):
			res = DestinationResult{
				Destination: dest,
				Status:      ResultSkipped,
				Error:       fmt.Sprintf("skipped: requires %s", joinDestinations(s.DependsOn[dest])),
			}
		default:
			res = m.callDestination(ctx, s, it, dest)
		}
		attempt.Results = append(attempt.Results, res)
	}

	if err := failureSummary(attempt.Results); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.finish(it.ID, s, attempt.Results)
}

func (m *Manager) callDestination(ctx context.Context, s *Strategy, it QueueItem, dest Destination) DestinationResult {
	ctx, span := m.tracer.Start(ctx, "merchsync.sync_destination", trace.WithAttributes(
		attribute.String("item.id", it.ID),
		attribute.String("destination", string(dest)),
	))
	defer span.End()

	start := time.Now()
	res := DestinationResult{Destination: dest}
	payload, err := s.prepare(it.Payload, dest)
	if err == nil {
		res.ResponseData, err = invokeAdapter(ctx, s.Adapters[dest], it.Operation, payload, m.cfg.DestinationTimeout)
	}
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = ResultFailed
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("sync manager: destination failed",
			"item_id", it.ID,
			"data_type", it.DataType,
			"destination", dest,
			"attempt", it.Attempts,
			"error", err,
		)
	} else {
		res.Status = ResultSuccess
	}
	m.observer.DestinationCalled(dest, res.Status, res.Duration)
	return res
}

// invokeAdapter calls a under timeout. A call that outlives the timeout is
// abandoned and reported as failed; a panic is reported as an error.
func invokeAdapter(ctx context.Context, a Adapter, op Operation, payload any, timeout time.Duration) (any, error) {
	if a == nil {
		return nil, ErrAdapterMissing
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		data any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("adapter panicked: %v", r)}
			}
		}()
		data, err := a.Sync(ctx, op, payload)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case o := <-ch:
		return o.data, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("destination call abandoned: %w", ctx.Err())
	}
}

// finish applies the outcome of an attempt to the item.
func (m *Manager) finish(id string, s *Strategy, results []DestinationResult) {
	now := m.now()

	m.mu.Lock()
	delete(m.inFlight, id)
	it, ok := m.items[id]
	if !ok || m.destroyed {
		m.mu.Unlock()
		return
	}
	it.Results = results

	var evType EventType
	failure := failureSummary(results)
	switch {
	case failure == nil:
		it.Status = StatusCompleted
		it.CompletedAt = &now
		it.LastError = ""
		m.totalCompleted++
		synced := now
		m.lastSyncAt = &synced
		evType = EventSyncCompleted
	case it.Attempts >= it.MaxAttempts:
		it.Status = StatusFailed
		it.LastError = failure.Error()
		m.totalFailed++
		m.errors.add(fmt.Sprintf("%s %s (%s): %s", it.DataType, it.Operation, it.ID, it.LastError))
		evType = EventSyncFailed
	default:
		it.Status = StatusRetrying
		it.LastError = failure.Error()
		it.ScheduledAt = now.Add(RetryDelay(s.RetryDelays, it.Attempts, m.cfg.BaseRetryDelay, m.cfg.MaxRetryDelay))
	}
	done := it.clone()
	if done.Status == StatusCompleted {
		m.pruneCompletedLocked(now)
	}
	m.rearmLocked(now)
	stats := m.statsLocked()
	m.mu.Unlock()

	switch done.Status {
	case StatusCompleted:
		slog.Info("sync manager: item synced",
			"item_id", done.ID,
			"data_type", done.DataType,
			"operation", done.Operation,
			"attempts", done.Attempts,
		)
		m.observer.ItemCompleted(done.DataType, done.Attempts)
	case StatusFailed:
		slog.Error("sync manager: item failed permanently",
			"item_id", done.ID,
			"data_type", done.DataType,
			"attempts", done.Attempts,
			"error", done.LastError,
		)
		m.observer.ItemFailed(done.DataType)
	case StatusRetrying:
		slog.Info("sync manager: item scheduled for retry",
			"item_id", done.ID,
			"data_type", done.DataType,
			"attempt", done.Attempts,
			"max_attempts", done.MaxAttempts,
			"retry_at", done.ScheduledAt,
			"error", done.LastError,
		)
		m.observer.ItemRetried(done.DataType)
	}
	m.observer.QueueSize(stats.QueueSize)
	if evType != "" {
		m.listeners.emit(Event{Type: evType, At: now, Item: &done, Online: stats.IsOnline})
	}
	m.emitStats(now, stats)
	m.scheduleCheckpoint()
}

// failureSummary joins the non-successful results into one error, or
// returns nil when every destination succeeded.
func failureSummary(results []DestinationResult) error {
	var parts []string
	for _, r := range results {
		if r.Status != ResultSuccess {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Destination, r.Error))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return errors.New(strings.Join(parts, "; "))
}

func joinDestinations(dests []Destination) string {
	parts := make([]string, len(dests))
	for i, d := range dests {
		parts[i] = string(d)
	}
	return strings.Join(parts, ", ")
}

// Stats returns a snapshot of the queue.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	st := Stats{
		IsOnline:             m.online.Load(),
		IsProcessing:         len(m.inFlight) > 0,
		InFlight:             len(m.inFlight),
		PendingByDestination: make(map[Destination]int),
		TotalCompleted:       m.totalCompleted,
		TotalFailed:          m.totalFailed,
		Errors:               m.errors.snapshot(),
	}
	if m.lastSyncAt != nil {
		t := *m.lastSyncAt
		st.LastSyncAt = &t
	}
	for _, it := range m.items {
		if it.Status == StatusCompleted {
			continue
		}
		st.QueueSize++
		if it.Status == StatusFailed {
			continue
		}
		for _, dest := range it.Destinations {
			if !it.succeeded(dest) {
				st.PendingByDestination[dest]++
			}
		}
	}
	return st
}

func (m *Manager) emitStats(now time.Time, st Stats) {
	m.listeners.emit(Event{Type: EventStatsUpdated, At: now, Online: st.IsOnline, Stats: &st})
}

// Item returns a copy of the item with the given id.
func (m *Manager) Item(id string) (QueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return QueueItem{}, false
	}
	return it.clone(), true
}

// Items returns copies of every held item, oldest first.
func (m *Manager) Items() []QueueItem {
	m.mu.Lock()
	out := make([]QueueItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it.clone())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b QueueItem) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// ClearFailedItems removes every item in the failed state and reports how
// many were removed.
func (m *Manager) ClearFailedItems() int {
	m.mu.Lock()
	n := 0
	for id, it := range m.items {
		if it.Status == StatusFailed {
			delete(m.items, id)
			n++
		}
	}
	stats := m.statsLocked()
	m.mu.Unlock()

	if n > 0 {
		slog.Info("sync manager: cleared failed items", "count", n)
		m.observer.QueueSize(stats.QueueSize)
		m.emitStats(m.now(), stats)
		m.scheduleCheckpoint()
	}
	return n
}

// AddEventListener subscribes l to every Manager event.
func (m *Manager) AddEventListener(l Listener) ListenerID {
	return m.listeners.add(l)
}

// RemoveEventListener unsubscribes a listener.
func (m *Manager) RemoveEventListener(id ListenerID) {
	m.listeners.remove(id)
}

// Destroy stops scheduling and drops listeners and queue state. Adapter
// calls already running are left to finish; their results are discarded.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	if m.wake != nil {
		m.wake.Stop()
	}
	m.items = make(map[string]*QueueItem)
	m.inFlight = make(map[string]struct{})
	started := m.started
	m.mu.Unlock()

	close(m.stop)
	// Called from a listener on the loop goroutine, the loop cannot exit
	// until this returns; it sees stop on its next select.
	if started && !m.loopEmitting.Load() {
		<-m.done
	}
	m.listeners.clear()
	slog.Info("sync manager: destroyed")
}

// Checkpoint writes every non-completed item to the checkpointer.
func (m *Manager) Checkpoint(ctx context.Context) error {
	if m.checkpointer == nil {
		return nil
	}
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrManagerDestroyed
	}
	items := make([]QueueItem, 0, len(m.items))
	for _, it := range m.items {
		if it.Status != StatusCompleted {
			items = append(items, it.clone())
		}
	}
	m.mu.Unlock()
	slices.SortFunc(items, func(a, b QueueItem) int {
		return cmp.Compare(a.seq, b.seq)
	})

	if err := m.checkpointer.Save(ctx, items); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (m *Manager) scheduleCheckpoint() {
	if m.saver == nil {
		return
	}
	go func() {
		if _, err := m.saver.Submit(context.Background(), struct{}{}); err != nil && !errors.Is(err, ErrManagerDestroyed) {
			slog.Error("sync manager: checkpoint failed", "error", err)
		}
	}()
}

// LastError markers for failures no destination reported.
const (
	// interruptedError marks an item whose final attempt was cut off by a restart.
	interruptedError = "interrupted during final attempt"
	// strategyMissingError marks a restored item whose data type is no longer registered.
	strategyMissingError = "strategy no longer registered"
)

// Restore loads checkpointed items into the queue. Items that were mid-attempt
// when the checkpoint was taken come back as retrying; one that was on its
// final attempt is marked failed since its outcome is unknown.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.checkpointer == nil {
		return 0, nil
	}
	saved, err := m.checkpointer.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	now := m.now()
	restored := make([]*QueueItem, 0, len(saved))
	cutOff := make(map[string]bool)
	for i := range saved {
		it := saved[i]
		s, err := m.registry.Lookup(it.DataType)
		if err != nil {
			slog.Warn("sync manager: dropping checkpointed item", "item_id", it.ID, "error", err)
			continue
		}
		if raw, ok := it.Payload.(json.RawMessage); ok && s.Decode != nil {
			payload, err := s.Decode(it.Operation, raw)
			if err != nil {
				slog.Warn("sync manager: dropping undecodable checkpointed item",
					"item_id", it.ID,
					"data_type", it.DataType,
					"error", err,
				)
				continue
			}
			it.Payload = payload
		}
		if it.Status == StatusProcessing {
			if it.Attempts >= it.MaxAttempts {
				it.Status = StatusFailed
				it.LastError = interruptedError
				cutOff[it.ID] = true
			} else {
				it.Status = StatusRetrying
				it.ScheduledAt = now
			}
		}
		restored = append(restored, &it)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return 0, ErrManagerDestroyed
	}
	n := 0
	var interrupted []QueueItem
	for _, it := range restored {
		if _, exists := m.items[it.ID]; exists {
			continue
		}
		if len(m.items) >= m.cfg.QueueCapacity {
			slog.Warn("sync manager: queue full while restoring", "skipped", len(restored)-n)
			break
		}
		m.seq++
		it.seq = m.seq
		m.items[it.ID] = it
		n++
		if cutOff[it.ID] {
			m.totalFailed++
			m.errors.add(fmt.Sprintf("%s %s (%s): %s", it.DataType, it.Operation, it.ID, it.LastError))
			interrupted = append(interrupted, it.clone())
		}
	}
	stats := m.statsLocked()
	m.mu.Unlock()

	slog.Info("sync manager: restored checkpoint", "items", n, "interrupted", len(interrupted))
	for _, it := range interrupted {
		m.observer.ItemFailed(it.DataType)
		m.listeners.emit(Event{Type: EventSyncFailed, At: now, Item: &it, Online: stats.IsOnline})
	}
	m.observer.QueueSize(stats.QueueSize)
	m.emitStats(now, stats)
	if m.online.Load() {
		m.requestPass()
	}
	return n, nil
}
