// Package handler exposes the canonical ingestion API. Provider webhook
// endpoints live in internal/adapters; this package accepts events already
// shaped as ingest.Event.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cloudparity/parity/internal/ingest"
	"github.com/cloudparity/parity/internal/ingest/gateway"
	"github.com/cloudparity/parity/internal/ingest/validator"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
	"github.com/cloudparity/parity/pkg/logger"
)

type Handler struct {
	gateway *gateway.Gateway
	logger  *slog.Logger
}

func New(gw *gateway.Gateway) *Handler {
	return &Handler{
		gateway: gw,
		logger:  slog.Default().With("component", "ingest-handler"),
	}
}

// IngestEvent handles POST /api/v1/events.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var ev ingest.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	acc, err := h.gateway.Accept(ctx, &ev)
	if err != nil {
		var validationErr *validator.ValidationError
		switch {
		case errors.As(err, &validationErr):
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
		case errors.Is(err, pkgerrors.ErrDuplicateEvent):
			h.writeJSON(w, http.StatusConflict, ingest.Rejected{
				EventID: ev.EventID,
				Source:  ev.Source,
				Status:  "duplicate",
				Reason:  "event already accepted from this source",
			})
		default:
			statusCode := pkgerrors.HTTPStatusCode(err)
			log.Error("ingestion failed",
				"error", err,
				"event_id", ev.EventID,
				"status_code", statusCode,
			)
			h.writeError(w, statusCode, "ingestion failed")
		}
		return
	}

	log.Info("event ingested",
		"event_id", acc.EventID,
		"source", acc.Source,
	)
	h.writeJSON(w, http.StatusAccepted, acc)
}

// IngestBatch handles POST /api/v1/events/batch. The body is a JSON array of
// canonical events; each item is accepted or rejected independently.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var events []ingest.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(events) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if max := h.gateway.MaxBatchSize(); len(events) > max {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds limit of %d events", max))
		return
	}

	results := make([]any, 0, len(events))
	accepted := 0
	for i := range events {
		ev := &events[i]
		acc, err := h.gateway.Accept(ctx, ev)
		if err != nil {
			results = append(results, h.rejection(ev, err))
			continue
		}
		accepted++
		results = append(results, acc)
	}

	log.Info("batch ingested",
		"total", len(events),
		"accepted", accepted,
		"rejected", len(events)-accepted,
	)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(events),
		"accepted": accepted,
		"rejected": len(events) - accepted,
		"results":  results,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) rejection(ev *ingest.Event, err error) ingest.Rejected {
	rej := ingest.Rejected{
		EventID: ev.EventID,
		Source:  ev.Source,
	}
	var validationErr *validator.ValidationError
	switch {
	case errors.As(err, &validationErr):
		rej.Status = "rejected"
		rej.Reason = "validation failed"
		rej.Fields = validationErr.Fields
	case errors.Is(err, pkgerrors.ErrDuplicateEvent):
		rej.Status = "duplicate"
		rej.Reason = "event already accepted from this source"
	default:
		rej.Status = "error"
		rej.Reason = "ingestion failed"
		h.logger.Error("batch item failed",
			"error", err,
			"event_id", ev.EventID,
		)
	}
	return rej
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
