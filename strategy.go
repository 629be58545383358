package merchsync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

const defaultMaxAttempts = 3

// Adapter performs one record change at one destination. The returned
// response data is kept on the item for status surfaces and never
// interpreted by the Manager.
type Adapter interface {
	Sync(ctx context.Context, op Operation, payload any) (any, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, op Operation, payload any) (any, error)

// Sync calls f.
func (f AdapterFunc) Sync(ctx context.Context, op Operation, payload any) (any, error) {
	return f(ctx, op, payload)
}

// ValidationResult is what a strategy's Validate hook reports.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Strategy is the per-data-type sync configuration. It is copied on
// registration and treated as read-only afterwards.
type Strategy struct {
	DataType     DataType
	Destinations []Destination
	MaxAttempts  int
	RetryDelays  []time.Duration
	Priority     int
	Adapters     map[Destination]Adapter

	// DependsOn lists, per destination, the destinations that must have
	// succeeded for the same item before it is attempted. A destination whose
	// dependencies have not succeeded is skipped for that attempt.
	DependsOn map[Destination][]Destination

	Validate func(payload any) ValidationResult
	Prepare  func(payload any, dest Destination) (any, error)
	// ResolveConflict merges a local and a remote version of a record. The
	// Manager never calls it; adapters that detect conflicts may.
	ResolveConflict func(local, remote any) any
	// Decode rebuilds a typed payload from JSON (checkpoints, ingest).
	Decode func(op Operation, raw json.RawMessage) (any, error)
}

// dependenciesMet reports whether every destination dest depends on has
// succeeded for it.
func (s *Strategy) dependenciesMet(it *QueueItem, dest Destination) bool {
	for _, dep := range s.DependsOn[dest] {
		if !it.succeeded(dep) {
			return false
		}
	}
	return true
}

func (s *Strategy) validate(payload any) error {
	if s.Validate == nil {
		return nil
	}
	res := s.Validate(payload)
	if res.Valid {
		return nil
	}
	return &ValidationError{DataType: s.DataType, Errors: res.Errors}
}

func (s *Strategy) prepare(payload any, dest Destination) (any, error) {
	if s.Prepare == nil {
		return payload, nil
	}
	return s.Prepare(payload, dest)
}

// Registry maps data types to their strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[DataType]*Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[DataType]*Strategy)}
}

// Register stores s for its data type, replacing any earlier registration.
func (r *Registry) Register(s Strategy) error {
	if s.DataType == "" {
		return fmt.Errorf("%w: empty data type", ErrInvalidStrategy)
	}
	if len(s.Destinations) == 0 {
		return fmt.Errorf("%w: %s has no destinations", ErrInvalidStrategy, s.DataType)
	}
	for _, dest := range s.Destinations {
		if s.Adapters[dest] == nil {
			return fmt.Errorf("%w: %s -> %s", ErrAdapterMissing, s.DataType, dest)
		}
	}
	for dest, deps := range s.DependsOn {
		for _, dep := range deps {
			if dep == dest {
				return fmt.Errorf("%w: %s: %s depends on itself", ErrInvalidStrategy, s.DataType, dest)
			}
			if s.Adapters[dep] == nil {
				return fmt.Errorf("%w: %s: %s depends on unknown destination %s", ErrInvalidStrategy, s.DataType, dest, dep)
			}
		}
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}

	cp := s
	cp.Destinations = slices.Clone(s.Destinations)
	cp.RetryDelays = slices.Clone(s.RetryDelays)
	cp.Adapters = make(map[Destination]Adapter, len(s.Adapters))
	for k, v := range s.Adapters {
		cp.Adapters[k] = v
	}
	cp.DependsOn = make(map[Destination][]Destination, len(s.DependsOn))
	for k, v := range s.DependsOn {
		cp.DependsOn[k] = slices.Clone(v)
	}

	r.mu.Lock()
	r.strategies[s.DataType] = &cp
	r.mu.Unlock()
	return nil
}

// Lookup returns the strategy registered for dataType.
func (r *Registry) Lookup(dataType DataType) (*Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[dataType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotRegistered, dataType)
	}
	return s, nil
}

// DataTypes lists the registered data types in sorted order.
func (r *Registry) DataTypes() []DataType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DataType, 0, len(r.strategies))
	for dt := range r.strategies {
		out = append(out, dt)
	}
	slices.Sort(out)
	return out
}
