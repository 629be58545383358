package merchsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Publisher sends Manager events and dead letters to NATS.
type Publisher struct {
	nc     NATSPublisher
	source string
	// statsUpdates also forwards stats_updated events, which fire on every
	// state change.
	statsUpdates bool
}

// NewPublisher creates a publisher. Source tags dead letters with their origin.
func NewPublisher(nc *nats.Conn, source string) *Publisher {
	return newPublisher(nc, source)
}

func newPublisher(nc NATSPublisher, source string) *Publisher {
	return &Publisher{nc: nc, source: source}
}

// PublishStats enables forwarding of stats_updated events.
func (p *Publisher) PublishStats(on bool) *Publisher {
	p.statsUpdates = on
	return p
}

// PublishEvent sends ev to merchsync.events.<type>.
func (p *Publisher) PublishEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := EventSubject(ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishDeadLetter sends the dead letter for a failed item to
// merchsync.dlq.<dataType> and returns it.
func (p *Publisher) PublishDeadLetter(it QueueItem) (DeadLetter, error) {
	dl, err := NewDeadLetter(it, p.source)
	if err != nil {
		return DeadLetter{}, err
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("marshal dead letter: %w", err)
	}
	subject := DeadLetterSubject(it.DataType)
	if err := p.nc.Publish(subject, data); err != nil {
		return DeadLetter{}, fmt.Errorf("publish to %s: %w", subject, err)
	}
	return dl, nil
}

// Listener returns a Manager listener that forwards events and dead-letters
// terminally failed items. Publish errors are logged.
func (p *Publisher) Listener() Listener {
	return func(ev Event) {
		if ev.Type == EventStatsUpdated && !p.statsUpdates {
			return
		}
		if err := p.PublishEvent(ev); err != nil {
			slog.Error("sync publisher: failed to publish event", "event", ev.Type, "error", err)
		}
		if ev.Type != EventSyncFailed || ev.Item == nil {
			return
		}
		dl, err := p.PublishDeadLetter(*ev.Item)
		if err != nil {
			slog.Error("sync publisher: failed to publish dead letter",
				"item_id", ev.Item.ID,
				"data_type", ev.Item.DataType,
				"error", err,
			)
			return
		}
		slog.Info("sync publisher: dead-lettered item",
			"dead_letter_id", dl.ID,
			"item_id", dl.ItemID,
			"reason", dl.Reason,
		)
	}
}

// DeadLetterRecorder returns a Manager listener that writes dead letters for
// terminally failed items straight to store. It is used when no NATS
// connection carries them to the processor.
func DeadLetterRecorder(store DeadLetterStore, source string) Listener {
	return func(ev Event) {
		if ev.Type != EventSyncFailed || ev.Item == nil {
			return
		}
		dl, err := NewDeadLetter(*ev.Item, source)
		if err == nil {
			err = store.InsertDeadLetter(context.Background(), dl)
		}
		if err != nil {
			slog.Error("sync publisher: failed to record dead letter",
				"item_id", ev.Item.ID,
				"error", err,
			)
		}
	}
}
