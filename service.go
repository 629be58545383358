package merchsync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SyncStatus is the one-word state shown in the point-of-sale header.
type SyncStatus string

const (
	SyncStatusOffline SyncStatus = "offline"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
)

// StatusSummary is derived from Stats alone.
type StatusSummary struct {
	Status     SyncStatus `json:"status"`
	Message    string     `json:"message"`
	QueueSize  int        `json:"queue_size"`
	Failed     int64      `json:"failed"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Service is the typed entry point used by the point-of-sale. It registers
// the default strategies once and maps each record change to an Enqueue with
// the right data type, operation and priority.
type Service struct {
	manager *Manager
	sinks   Sinks

	mu          sync.Mutex
	initialized bool
}

// NewService creates a Service over manager. Initialize must be called before
// any Sync method.
func NewService(manager *Manager, sinks Sinks) *Service {
	return &Service{manager: manager, sinks: sinks}
}

// Manager returns the underlying Manager.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Initialize registers the default strategies. Later calls are no-ops.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		slog.Warn("sync service: already initialized")
		return nil
	}
	for _, st := range DefaultStrategies(s.sinks) {
		if err := s.manager.Registry().Register(st); err != nil {
			return fmt.Errorf("register %s strategy: %w", st.DataType, err)
		}
	}
	s.initialized = true
	slog.Info("sync service: initialized", "data_types", s.manager.Registry().DataTypes())
	return nil
}

func (s *Service) ready(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		slog.Error("sync service: called before initialize", "call", call)
		return ErrNotInitialized
	}
	return nil
}

func (s *Service) enqueue(call string, dataType DataType, op Operation, payload any, opts ...EnqueueOption) (string, error) {
	if err := s.ready(call); err != nil {
		return "", err
	}
	return s.manager.Enqueue(dataType, op, payload, opts...)
}

// SyncSale queues a new sale.
func (s *Service) SyncSale(sale Sale) (string, error) {
	return s.enqueue("SyncSale", DataTypeSale, OperationCreate, sale)
}

// SyncProduct queues a new product.
func (s *Service) SyncProduct(p Product) (string, error) {
	return s.enqueue("SyncProduct", DataTypeProduct, OperationCreate, p)
}

// UpdateProduct queues a product edit.
func (s *Service) UpdateProduct(p Product) (string, error) {
	return s.enqueue("UpdateProduct", DataTypeProduct, OperationUpdate, p)
}

// DeleteProduct queues a product removal at the lowest priority.
func (s *Service) DeleteProduct(productID string) (string, error) {
	return s.enqueue("DeleteProduct", DataTypeProduct, OperationDelete, ProductRef{ID: productID},
		WithPriority(PriorityProductDelete))
}

// SyncCloseOut queues a new close-out.
func (s *Service) SyncCloseOut(c CloseOut) (string, error) {
	return s.enqueue("SyncCloseOut", DataTypeCloseOut, OperationCreate, c)
}

// UpdateCloseOut queues a close-out correction.
func (s *Service) UpdateCloseOut(c CloseOut) (string, error) {
	return s.enqueue("UpdateCloseOut", DataTypeCloseOut, OperationUpdate, c)
}

// SyncSettings queues a settings change.
func (s *Service) SyncSettings(st Settings) (string, error) {
	return s.enqueue("SyncSettings", DataTypeSettings, OperationUpdate, st)
}

// SyncEmailSignup queues a mailing-list signup.
func (s *Service) SyncEmailSignup(e EmailSignup) (string, error) {
	return s.enqueue("SyncEmailSignup", DataTypeEmailSignup, OperationCreate, e)
}

// Ingest queues a record change that arrived as JSON, decoding it with the
// strategy for dataType.
func (s *Service) Ingest(dataType DataType, op Operation, raw json.RawMessage) (string, error) {
	if err := s.ready("Ingest"); err != nil {
		return "", err
	}
	st, err := s.manager.Registry().Lookup(dataType)
	if err != nil {
		return "", err
	}
	if st.Decode == nil {
		return "", fmt.Errorf("%w: %s has no decoder", ErrInvalidStrategy, dataType)
	}
	payload, err := st.Decode(op, raw)
	if err != nil {
		return "", &ValidationError{DataType: dataType, Errors: []string{err.Error()}}
	}
	var opts []EnqueueOption
	if dataType == DataTypeProduct && op == OperationDelete {
		opts = append(opts, WithPriority(PriorityProductDelete))
	}
	return s.manager.Enqueue(dataType, op, payload, opts...)
}

// Status summarises Stats with precedence offline, syncing, error, pending,
// synced.
func (s *Service) Status() StatusSummary {
	return Summarize(s.manager.Stats())
}

// Summarize derives a StatusSummary from st.
func Summarize(st Stats) StatusSummary {
	sum := StatusSummary{
		QueueSize:  st.QueueSize,
		Failed:     st.TotalFailed,
		LastSyncAt: st.LastSyncAt,
	}
	switch {
	case !st.IsOnline:
		sum.Status = SyncStatusOffline
		if st.QueueSize > 0 {
			sum.Message = fmt.Sprintf("Offline, %d change(s) waiting", st.QueueSize)
		} else {
			sum.Message = "Offline"
		}
	case st.IsProcessing:
		sum.Status = SyncStatusSyncing
		sum.Message = fmt.Sprintf("Syncing %d change(s)", st.QueueSize)
	case len(st.Errors) > 0:
		sum.Status = SyncStatusError
		sum.Message = st.Errors[len(st.Errors)-1]
	case st.QueueSize > 0:
		sum.Status = SyncStatusPending
		sum.Message = fmt.Sprintf("%d change(s) waiting", st.QueueSize)
	default:
		sum.Status = SyncStatusSynced
		sum.Message = "All changes synced"
	}
	return sum
}
