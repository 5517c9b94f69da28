package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stratadb/strata/internal/observability"
	"github.com/stratadb/strata/internal/query"
	"github.com/stratadb/strata/internal/rollup"
	"github.com/stratadb/strata/pkg/types"
)

// QueryRequest represents a federated range query. TimeoutMs bounds the
// whole query; sub-queries still exceeding the server-side sub-query
// timeout surface as a partial result.
type QueryRequest struct {
	Range     types.KeyRange `json:"range"`
	Kinds     []string       `json:"kinds,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// QueryStats contains execution statistics.
type QueryStats struct {
	PartitionsQueried int   `json:"partitions_queried"`
	PartitionsPruned  int   `json:"partitions_pruned"`
	ExecutionTimeMs   int64 `json:"execution_time_ms"`
}

// QueryResponse represents the query response. Partial is set when one or
// more partition sub-queries failed; Records then holds the rows from the
// partitions that did answer.
type QueryResponse struct {
	Records   []types.Record          `json:"records"`
	Partial   bool                    `json:"partial"`
	Failures  []query.SubQueryFailure `json:"failures,omitempty"`
	Stats     QueryStats              `json:"stats"`
	RequestID string                  `json:"request_id"`
}

// QueryHandler handles POST /v1/query requests.
type QueryHandler struct {
	router *query.Router
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(router *query.Router) *QueryHandler {
	return &QueryHandler{router: router}
}

func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}

	ctx := r.Context()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := h.router.Query(ctx, query.Params{Range: req.Range, Kinds: req.Kinds})
	if err != nil {
		writeStrataError(w, err, requestID)
		return
	}

	observability.QueriesTotal.Inc()
	if result.Partial {
		observability.QueriesPartial.Inc()
	}
	observability.PartitionsPruned.Add(result.PartitionsPruned)

	resp := QueryResponse{
		Records:  result.Records,
		Partial:  result.Partial,
		Failures: result.Failures,
		Stats: QueryStats{
			PartitionsQueried: result.PartitionsQueried,
			PartitionsPruned:  result.PartitionsPruned,
			ExecutionTimeMs:   time.Since(start).Milliseconds(),
		},
		RequestID: requestID,
	}
	if resp.Records == nil {
		resp.Records = []types.Record{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// RollupResponse represents a cached aggregate value.
type RollupResponse struct {
	Kind      string    `json:"kind"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	AsOf      time.Time `json:"as_of"`
	Stale     bool      `json:"stale"`
	RequestID string    `json:"request_id"`
}

// RollupHandler handles GET /v1/rollup?kind=<kind>&metric=<metric>
// requests. The metric defaults to count.
type RollupHandler struct {
	cache *rollup.Cache
}

// NewRollupHandler creates a new rollup handler.
func NewRollupHandler(cache *rollup.Cache) *RollupHandler {
	return &RollupHandler{cache: cache}
}

func (h *RollupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required", "", requestID)
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = rollup.MetricCount
	}

	value, err := h.cache.Get(r.Context(), kind, metric)
	if err != nil {
		writeStrataError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, RollupResponse{
		Kind:      value.DimensionKey,
		Metric:    value.Metric,
		Value:     value.Value,
		AsOf:      value.AsOf,
		Stale:     value.Stale,
		RequestID: requestID,
	})
}
