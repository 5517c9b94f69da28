package http

import (
	"net/http"
	"strings"

	"github.com/stratadb/strata/internal/alert"
	"github.com/stratadb/strata/internal/archive"
	"github.com/stratadb/strata/internal/lifecycle"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/pkg/types"
)

// TickResponse reports the partitions a manually triggered lifecycle pass
// acted on.
type TickResponse struct {
	Sealed           []string `json:"sealed"`
	ArchivalsStarted []string `json:"archivals_started"`
	ArchivalsFailed  []string `json:"archivals_failed"`
	Retired          []string `json:"retired"`
	RequestID        string   `json:"request_id"`
}

// TickHandler handles POST /v1/tick requests, running one lifecycle pass
// synchronously. The periodic controller loop uses the same path, so a
// manual tick racing a scheduled one resolves through registry conflicts.
type TickHandler struct {
	controller *lifecycle.Controller
}

// NewTickHandler creates a new tick handler.
func NewTickHandler(controller *lifecycle.Controller) *TickHandler {
	return &TickHandler{controller: controller}
}

func (h *TickHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	result, err := h.controller.Tick(r.Context())
	if err != nil {
		writeStrataError(w, err, requestID)
		return
	}

	resp := TickResponse{
		Sealed:           result.Sealed,
		ArchivalsStarted: result.ArchivalsStarted,
		ArchivalsFailed:  result.ArchivalsFailed,
		Retired:          result.Retired,
		RequestID:        requestID,
	}
	if resp.Sealed == nil {
		resp.Sealed = []string{}
	}
	if resp.ArchivalsStarted == nil {
		resp.ArchivalsStarted = []string{}
	}
	if resp.ArchivalsFailed == nil {
		resp.ArchivalsFailed = []string{}
	}
	if resp.Retired == nil {
		resp.Retired = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PartitionsResponse lists partitions in key order.
type PartitionsResponse struct {
	Partitions []*types.Partition `json:"partitions"`
	RequestID  string             `json:"request_id"`
}

// PartitionResponse describes one partition, with its archive manifest once
// one exists.
type PartitionResponse struct {
	Partition *types.Partition       `json:"partition"`
	Manifest  *types.ArchiveManifest `json:"manifest,omitempty"`
	RequestID string                 `json:"request_id"`
}

// PartitionsHandler handles GET /v1/partitions, GET /v1/partitions/{id},
// and POST /v1/partitions/{id}/archive.
type PartitionsHandler struct {
	registry registry.Registry
	pipeline *archive.Pipeline
}

// NewPartitionsHandler creates a new partitions handler.
func NewPartitionsHandler(reg registry.Registry, pipeline *archive.Pipeline) *PartitionsHandler {
	return &PartitionsHandler{registry: reg, pipeline: pipeline}
}

func (h *PartitionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	id := strings.TrimPrefix(r.URL.Path, "/v1/partitions")
	id = strings.Trim(id, "/")

	if rest, ok := strings.CutSuffix(id, "/archive"); ok {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
			return
		}
		h.rearchive(w, r, rest, requestID)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}
	if id == "" {
		h.list(w, r, requestID)
		return
	}
	h.get(w, r, id, requestID)
}

// RearchiveResponse reports a completed operator-triggered archival.
type RearchiveResponse struct {
	PartitionID string                 `json:"partition_id"`
	Manifest    *types.ArchiveManifest `json:"manifest"`
	RequestID   string                 `json:"request_id"`
}

// rearchive re-runs the archival pipeline for a partition held in
// ARCHIVING after a verification failure. This is the only path that
// retries a checksum mismatch.
func (h *PartitionsHandler) rearchive(w http.ResponseWriter, r *http.Request, id, requestID string) {
	manifest, err := h.pipeline.Resume(r.Context(), id)
	if err != nil {
		writeStrataError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, RearchiveResponse{
		PartitionID: id,
		Manifest:    manifest,
		RequestID:   requestID,
	})
}

func (h *PartitionsHandler) list(w http.ResponseWriter, r *http.Request, requestID string) {
	partitions, err := h.registry.Lookup(r.Context(), types.KeyRange{Low: 0, High: types.MaxKey})
	if err != nil {
		writeStrataError(w, err, requestID)
		return
	}
	if partitions == nil {
		partitions = []*types.Partition{}
	}
	writeJSON(w, http.StatusOK, PartitionsResponse{Partitions: partitions, RequestID: requestID})
}

func (h *PartitionsHandler) get(w http.ResponseWriter, r *http.Request, id, requestID string) {
	p, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeStrataError(w, err, requestID)
		return
	}

	resp := PartitionResponse{Partition: p, RequestID: requestID}
	if p.State == types.StateCold || p.State == types.StateRetired {
		manifest, err := h.registry.Manifest(r.Context(), id)
		if err == nil {
			resp.Manifest = manifest
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// AlertsResponse carries alerts buffered since the last poll.
type AlertsResponse struct {
	Alerts    []alert.Alert `json:"alerts"`
	Dropped   int64         `json:"dropped"`
	RequestID string        `json:"request_id"`
}

// AlertsHandler handles GET /v1/alerts, draining the buffered alert channel.
// Each alert is delivered to exactly one poll.
type AlertsHandler struct {
	notifier *alert.ChannelNotifier
}

// NewAlertsHandler creates a new alerts handler.
func NewAlertsHandler(notifier *alert.ChannelNotifier) *AlertsHandler {
	return &AlertsHandler{notifier: notifier}
}

func (h *AlertsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	alerts := []alert.Alert{}
	for {
		select {
		case a := <-h.notifier.Alerts():
			alerts = append(alerts, a)
			continue
		default:
		}
		break
	}

	writeJSON(w, http.StatusOK, AlertsResponse{
		Alerts:    alerts,
		Dropped:   h.notifier.Dropped(),
		RequestID: requestID,
	})
}
