package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stratadb/strata/internal/ingest"
	"github.com/stratadb/strata/internal/observability"
	"github.com/stratadb/strata/pkg/types"
)

// BatchResponse is the response for a batch load request.
type BatchResponse struct {
	BatchID   string               `json:"batch_id"`
	Status    string               `json:"status"`
	Accepted  int                  `json:"accepted"`
	Duplicate bool                 `json:"duplicate"`
	Errors    []ingest.RecordError `json:"errors,omitempty"`
	RequestID string               `json:"request_id"`
}

// BatchHandler handles POST /v1/batch requests.
type BatchHandler struct {
	loader *ingest.Loader
}

// NewBatchHandler creates a new batch ingestion handler.
func NewBatchHandler(loader *ingest.Loader) *BatchHandler {
	return &BatchHandler{loader: loader}
}

func (h *BatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var batch types.IngestionBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}

	result, err := h.loader.Load(r.Context(), &batch)
	if err != nil {
		writeStrataError(w, err, requestID)
		return
	}

	status := http.StatusOK
	switch result.Status {
	case types.BatchApplied:
		if !result.Duplicate {
			observability.BatchesApplied.Inc()
			observability.RecordsIngested.Add(result.Accepted)
		}
	case types.BatchRejected:
		if !result.Duplicate {
			observability.BatchesRejected.Inc()
		}
		status = http.StatusUnprocessableEntity
	}

	writeJSON(w, status, BatchResponse{
		BatchID:   result.BatchID,
		Status:    string(result.Status),
		Accepted:  result.Accepted,
		Duplicate: result.Duplicate,
		Errors:    result.Errors,
		RequestID: requestID,
	})
}

// EventResponse is the response for a streaming event submission.
type EventResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// EventHandler handles POST /v1/events requests. Events are accepted into
// the streaming merge buffer and applied to the hot tier asynchronously.
type EventHandler struct {
	buffer *ingest.StreamBuffer
}

// NewEventHandler creates a new streaming event handler.
func NewEventHandler(buffer *ingest.StreamBuffer) *EventHandler {
	return &EventHandler{buffer: buffer}
}

func (h *EventHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var ev types.StreamEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}

	if err := h.buffer.Submit(r.Context(), ev); err != nil {
		writeStrataError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusAccepted, EventResponse{Status: "accepted", RequestID: requestID})
}
