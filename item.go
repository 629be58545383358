// Package merchsync provides the offline-first sync queue used by the merch
// table point-of-sale: locally recorded sales, products, settings, close-outs
// and email signups are queued and flushed to the ledger and spreadsheet
// destinations with retry, backoff and priority ordering.
package merchsync

import (
	"time"
)

// DataType names a logical record kind.
type DataType string

// Record kinds handled by the default strategies.
const (
	DataTypeSale        DataType = "sale"
	DataTypeProduct     DataType = "product"
	DataTypeSettings    DataType = "settings"
	DataTypeCloseOut    DataType = "closeout"
	DataTypeEmailSignup DataType = "email_signup"
)

// Operation is the kind of change a queue item carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Destination identifies an external system a record is replicated to.
type Destination string

// Destinations wired by the default strategies.
const (
	DestinationLedger Destination = "ledger"
	DestinationSheets Destination = "sheets"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Waiting reports whether an item in this state is waiting for a dispatch.
func (s Status) Waiting() bool {
	return s == StatusPending || s == StatusRetrying
}

// ResultStatus is the outcome of one destination on one attempt.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
)

// DestinationResult records what happened at one destination on the most
// recent attempt.
type DestinationResult struct {
	Destination  Destination   `json:"destination"`
	Status       ResultStatus  `json:"status"`
	Error        string        `json:"error,omitempty"`
	ResponseData any           `json:"response_data,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// QueueItem is one pending or historical change to one record.
type QueueItem struct {
	ID            string              `json:"id"`
	DataType      DataType            `json:"data_type"`
	Operation     Operation           `json:"operation"`
	Payload       any                 `json:"payload"`
	Destinations  []Destination       `json:"destinations"`
	Status        Status              `json:"status"`
	Attempts      int                 `json:"attempts"`
	MaxAttempts   int                 `json:"max_attempts"`
	CreatedAt     time.Time           `json:"created_at"`
	ScheduledAt   time.Time           `json:"scheduled_at"`
	LastAttemptAt *time.Time          `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	Priority      int                 `json:"priority"`
	OwnerID       string              `json:"owner_id,omitempty"`
	Results       []DestinationResult `json:"results,omitempty"`

	seq uint64
}

// ready reports whether the item may be dispatched at now.
func (it *QueueItem) ready(now time.Time) bool {
	return it.Status.Waiting() && !now.Before(it.ScheduledAt)
}

// succeeded reports whether dest succeeded on the latest attempt. Successful
// destinations are carried forward so they are not invoked twice.
func (it *QueueItem) succeeded(dest Destination) bool {
	for _, r := range it.Results {
		if r.Destination == dest && r.Status == ResultSuccess {
			return true
		}
	}
	return false
}

// clone returns a copy that shares no slices with the original.
func (it *QueueItem) clone() QueueItem {
	cp := *it
	cp.Destinations = append([]Destination(nil), it.Destinations...)
	cp.Results = append([]DestinationResult(nil), it.Results...)
	if it.LastAttemptAt != nil {
		t := *it.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
