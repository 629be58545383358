package merchsync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned by Enqueue when a strategy rejects a payload.
	ErrValidation = errors.New("validation failed")
	// ErrStrategyNotRegistered means Enqueue was called for an unknown data type.
	ErrStrategyNotRegistered = errors.New("strategy not registered")
	// ErrAdapterMissing means an item names a destination with no adapter.
	ErrAdapterMissing = errors.New("destination has no adapter")
	// ErrInvalidStrategy is returned by Register for unusable strategies.
	ErrInvalidStrategy = errors.New("invalid strategy")
	// ErrQueueFull means the queue is at capacity and nothing could be evicted.
	ErrQueueFull = errors.New("sync queue is full")
	// ErrNotInitialized is returned by Service methods called before Initialize.
	ErrNotInitialized = errors.New("sync service not initialized")
	// ErrManagerDestroyed is returned once Destroy has been called.
	ErrManagerDestroyed = errors.New("sync manager destroyed")
)

// ValidationError carries the per-field messages a strategy reported.
type ValidationError struct {
	DataType DataType
	Errors   []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s: %v", e.DataType, ErrValidation)
	}
	return fmt.Sprintf("%s: %v: %s", e.DataType, ErrValidation, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
