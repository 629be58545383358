package merchsync

import "time"

// Stats summarises the queue for status surfaces.
type Stats struct {
	IsOnline             bool                `json:"is_online"`
	IsProcessing         bool                `json:"is_processing"`
	QueueSize            int                 `json:"queue_size"`
	InFlight             int                 `json:"in_flight"`
	PendingByDestination map[Destination]int `json:"pending_by_destination"`
	TotalCompleted       int64               `json:"total_completed"`
	TotalFailed          int64               `json:"total_failed"`
	LastSyncAt           *time.Time          `json:"last_sync_at,omitempty"`
	Errors               []string            `json:"errors"`
}

// errorLog keeps the most recent terminal failure messages.
type errorLog struct {
	limit   int
	entries []string
}

func (l *errorLog) add(msg string) {
	if l.limit <= 0 {
		return
	}
	l.entries = append(l.entries, msg)
	if over := len(l.entries) - l.limit; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
}

func (l *errorLog) snapshot() []string {
	return append([]string{}, l.entries...)
}
