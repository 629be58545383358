package merchsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reasons an item can be dead-lettered.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonDependencyFailed = "dependency_failed"
	ReasonInterrupted      = "interrupted"
	ReasonStrategyMissing  = "strategy_missing"
)

// Sources that publish dead letters.
const (
	SourcePOS    = "pos"
	SourceIngest = "ingest"
)

// NATS subject roots.
const (
	SubjectIngestPrefix     = "merchsync.ingest."
	SubjectEventPrefix      = "merchsync.events."
	SubjectDeadLetterPrefix = "merchsync.dlq."
)

// DeadLetter is a terminally failed queue item, kept for inspection and
// manual requeue.
type DeadLetter struct {
	ID              string              `json:"dead_letter_id"`
	ItemID          string              `json:"item_id"`
	DataType        DataType            `json:"data_type"`
	Operation       Operation           `json:"operation"`
	OriginalSubject string              `json:"original_subject"`
	OriginalPayload json.RawMessage     `json:"original_payload"`
	Reason          string              `json:"reason"`
	ReasonDetail    string              `json:"reason_detail,omitempty"`
	FailedAt        time.Time           `json:"failed_at"`
	Attempts        int                 `json:"attempts"`
	MaxAttempts     int                 `json:"max_attempts"`
	Results         []DestinationResult `json:"results"`
	Source          string              `json:"source"`
	OwnerID         string              `json:"owner_id,omitempty"`
	Requeued        bool                `json:"requeued"`
	RequeuedAt      *time.Time          `json:"requeued_at,omitempty"`
}

// NewDeadLetter builds the dead letter for a failed item. The original
// subject is the ingest subject that would requeue it.
func NewDeadLetter(it QueueItem, source string) (DeadLetter, error) {
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("marshal item payload: %w", err)
	}
	dl := DeadLetter{
		ID:              uuid.NewString(),
		ItemID:          it.ID,
		DataType:        it.DataType,
		Operation:       it.Operation,
		OriginalSubject: IngestSubject(it.DataType, it.Operation),
		OriginalPayload: payload,
		Reason:          ReasonForItem(it),
		ReasonDetail:    it.LastError,
		FailedAt:        time.Now().UTC(),
		Attempts:        it.Attempts,
		MaxAttempts:     it.MaxAttempts,
		Results:         append([]DestinationResult{}, it.Results...),
		Source:          source,
		OwnerID:         it.OwnerID,
	}
	if it.CompletedAt != nil {
		dl.FailedAt = it.CompletedAt.UTC()
	} else if it.LastAttemptAt != nil {
		dl.FailedAt = it.LastAttemptAt.UTC()
	}
	return dl, nil
}

// ReasonForItem classifies why a failed item failed.
func ReasonForItem(it QueueItem) string {
	if strings.HasPrefix(it.LastError, strategyMissingError) {
		return ReasonStrategyMissing
	}
	if it.Attempts < it.MaxAttempts || it.LastError == interruptedError {
		return ReasonInterrupted
	}
	for _, r := range it.Results {
		if r.Status == ResultSkipped {
			return ReasonDependencyFailed
		}
	}
	return ReasonRetriesExhausted
}

// IngestSubject returns the subject a record change is ingested from.
func IngestSubject(dataType DataType, op Operation) string {
	return SubjectIngestPrefix + string(dataType) + "." + string(op)
}

// ParseIngestSubject splits an ingest subject into its data type and
// operation.
func ParseIngestSubject(subject string) (DataType, Operation, bool) {
	rest, ok := strings.CutPrefix(subject, SubjectIngestPrefix)
	if !ok {
		return "", "", false
	}
	dt, op, ok := strings.Cut(rest, ".")
	if !ok || dt == "" || strings.Contains(op, ".") {
		return "", "", false
	}
	return DataType(dt), Operation(op), Operation(op).Valid()
}

// EventSubject returns the subject a Manager event is published to.
func EventSubject(t EventType) string {
	return SubjectEventPrefix + string(t)
}

// DeadLetterSubject returns the dead-letter subject for a data type.
func DeadLetterSubject(dataType DataType) string {
	if dataType == "" {
		return SubjectDeadLetterPrefix + "unknown"
	}
	return SubjectDeadLetterPrefix + string(dataType)
}
