package merchsync

import (
	"context"
	"time"
)

// Checkpointer persists the non-completed part of the queue so it survives a
// restart. Load returns items whose Payload is a json.RawMessage; the
// Manager decodes it with the owning strategy.
// The concrete implementation is *SQLiteCheckpointer.
type Checkpointer interface {
	Save(ctx context.Context, items []QueueItem) error
	Load(ctx context.Context) ([]QueueItem, error)
}

// Observer receives queue metrics. The concrete implementation lives in
// internal/metrics.
type Observer interface {
	ItemEnqueued(dataType DataType)
	ItemEvicted(dataType DataType)
	ItemRetried(dataType DataType)
	ItemCompleted(dataType DataType, attempts int)
	ItemFailed(dataType DataType)
	DestinationCalled(dest Destination, status ResultStatus, took time.Duration)
	QueueSize(n int)
}

// NATSPublisher is the interface for publishing messages to NATS.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// RecordSink writes one record change to an external system. The concrete
// implementations are *Store (ledger) and *SheetsClient (spreadsheet).
type RecordSink interface {
	SyncRecord(ctx context.Context, dataType DataType, op Operation, payload any) (any, error)
}

// DeadLetterStore is the interface for dead-letter persistence.
// The concrete implementation is *Store.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, dl DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, opts DeadLetterListOpts) ([]DeadLetter, error)
	MarkRequeued(ctx context.Context, id string) error
}

type noopObserver struct{}

func (noopObserver) ItemEnqueued(DataType)                                      {}
func (noopObserver) ItemEvicted(DataType)                                       {}
func (noopObserver) ItemRetried(DataType)                                       {}
func (noopObserver) ItemCompleted(DataType, int)                                {}
func (noopObserver) ItemFailed(DataType)                                        {}
func (noopObserver) DestinationCalled(Destination, ResultStatus, time.Duration) {}
func (noopObserver) QueueSize(int)                                              {}
