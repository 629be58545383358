package merchsync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler provides HTTP endpoints for queue status and maintenance.
type Handler struct {
	svc  *Service
	dead DeadLetterStore
	nc   NATSPublisher
}

// NewHandler creates a sync HTTP handler. dead and nc may be nil; the
// dead-letter routes then report 404 and requeue goes straight to the
// service instead of through NATS.
func NewHandler(svc *Service, dead DeadLetterStore, nc NATSPublisher) *Handler {
	return &Handler{svc: svc, dead: dead, nc: nc}
}

// Routes returns a chi.Router with all sync endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleStatus)
	r.Get("/items", h.handleListItems)
	r.Get("/items/{itemID}", h.handleGetItem)
	r.Post("/records/{dataType}/{op}", h.handleIngest)
	r.Post("/sync", h.handleSync)
	r.Post("/online", h.handleOnline)
	r.Post("/offline", h.handleOffline)
	r.Delete("/failed", h.handleClearFailed)
	r.Get("/dead-letters", h.handleListDeadLetters)
	r.Get("/dead-letters/{deadLetterID}", h.handleGetDeadLetter)
	r.Post("/dead-letters/{deadLetterID}/requeue", h.handleRequeue)
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Manager().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": Summarize(st),
		"stats":   st,
	})
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	items := h.svc.Manager().Items()
	status := Status(r.URL.Query().Get("status"))
	dataType := DataType(r.URL.Query().Get("data_type"))

	out := make([]QueueItem, 0, len(items))
	for _, it := range items {
		if status != "" && it.Status != status {
			continue
		}
		if dataType != "" && it.DataType != dataType {
			continue
		}
		out = append(out, it)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	it, ok := h.svc.Manager().Item(itemID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "queue item not found"})
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	dataType := DataType(chi.URLParam(r, "dataType"))
	op := Operation(chi.URLParam(r, "op"))

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON record"})
		return
	}

	id, err := h.svc.Ingest(dataType, op, body)
	if err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "item_id": id})
}

func writeEnqueueError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "details": verr.Errors})
	case errors.Is(err, ErrStrategyNotRegistered):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrNotInitialized), errors.Is(err, ErrManagerDestroyed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		slog.Error("enqueue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	m := h.svc.Manager()
	if !m.IsOnline() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "offline"})
		return
	}
	m.ForceSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	h.svc.Manager().SetOnline(true)
	writeJSON(w, http.StatusOK, map[string]any{"online": true})
}

func (h *Handler) handleOffline(w http.ResponseWriter, r *http.Request) {
	h.svc.Manager().SetOnline(false)
	writeJSON(w, http.StatusOK, map[string]any{"online": false})
}

func (h *Handler) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	n := h.svc.Manager().ClearFailedItems()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.dead == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letters not configured"})
		return
	}
	opts := DeadLetterListOpts{}

	if v := r.URL.Query().Get("requeued"); v != "" {
		b := v == "true"
		opts.Requeued = &b
	}
	if v := r.URL.Query().Get("data_type"); v != "" {
		opts.DataType = DataType(v)
	}
	if v := r.URL.Query().Get("reason"); v != "" {
		opts.Reason = v
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	entries, err := h.dead.ListDeadLetters(r.Context(), opts)
	if err != nil {
		slog.Error("list dead letters failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []DeadLetter{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.dead == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letters not configured"})
		return
	}
	id := chi.URLParam(r, "deadLetterID")
	dl, err := h.dead.GetDeadLetter(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letter not found"})
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if h.dead == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letters not configured"})
		return
	}
	id := chi.URLParam(r, "deadLetterID")

	dl, err := h.dead.GetDeadLetter(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letter not found"})
		return
	}
	if dl.Requeued {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already requeued"})
		return
	}

	resp := map[string]string{"status": "requeued", "dead_letter_id": id}
	if h.nc != nil {
		if err := h.nc.Publish(dl.OriginalSubject, dl.OriginalPayload); err != nil {
			slog.Error("failed to republish dead letter", "dead_letter_id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to republish"})
			return
		}
	} else {
		itemID, err := h.svc.Ingest(dl.DataType, dl.Operation, dl.OriginalPayload)
		if err != nil {
			writeEnqueueError(w, err)
			return
		}
		resp["item_id"] = itemID
	}

	if err := h.dead.MarkRequeued(r.Context(), id); err != nil {
		slog.Error("failed to mark requeued", "dead_letter_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
