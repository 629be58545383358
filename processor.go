package merchsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

// Ingester accepts record changes as JSON. *Service implements it.
type Ingester interface {
	Ingest(dataType DataType, op Operation, raw json.RawMessage) (string, error)
}

// Processor handles incoming NATS messages: record changes published to
// merchsync.ingest.<dataType>.<op> are queued, and dead letters published to
// merchsync.dlq.> are persisted.
type Processor struct {
	ingest Ingester
	store  DeadLetterStore
}

// NewProcessor creates a processor. Either side may be nil, in which case
// messages for it are dropped with a warning.
func NewProcessor(ingest Ingester, store DeadLetterStore) *Processor {
	return &Processor{ingest: ingest, store: store}
}

// Process routes one message by subject.
func (p *Processor) Process(ctx context.Context, subject string, data []byte) {
	switch {
	case strings.HasPrefix(subject, SubjectIngestPrefix):
		p.processIngest(subject, data)
	case strings.HasPrefix(subject, SubjectDeadLetterPrefix):
		p.processDeadLetter(ctx, subject, data)
	default:
		slog.Warn("sync processor: unexpected subject", "subject", subject)
	}
}

func (p *Processor) processIngest(subject string, data []byte) {
	if p.ingest == nil {
		slog.Warn("sync processor: ingest not configured", "subject", subject)
		return
	}
	dataType, op, ok := ParseIngestSubject(subject)
	if !ok {
		slog.Warn("sync processor: malformed ingest subject", "subject", subject)
		return
	}
	if !json.Valid(data) {
		slog.Warn("sync processor: malformed record", "subject", subject)
		return
	}

	id, err := p.ingest.Ingest(dataType, op, json.RawMessage(data))
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrValidation) {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "sync processor: failed to queue record",
			"subject", subject,
			"error", err,
		)
		return
	}
	slog.Debug("sync processor: queued record", "subject", subject, "item_id", id)
}

func (p *Processor) processDeadLetter(ctx context.Context, subject string, data []byte) {
	if p.store == nil {
		slog.Warn("sync processor: dead-letter store not configured", "subject", subject)
		return
	}
	var dl DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		slog.Warn("sync processor: malformed dead letter",
			"subject", subject,
			"error", err,
		)
		return
	}

	// Fill in defaults if the publisher didn't set them.
	if dl.Results == nil {
		dl.Results = []DestinationResult{}
	}
	if dl.DataType == "" {
		dl.DataType = DataType(strings.TrimPrefix(subject, SubjectDeadLetterPrefix))
	}
	if dl.Source == "" {
		dl.Source = SourceIngest
	}

	if err := p.store.InsertDeadLetter(ctx, dl); err != nil {
		slog.Error("sync processor: failed to insert dead letter",
			"dead_letter_id", dl.ID,
			"subject", subject,
			"error", err,
		)
	}
}
