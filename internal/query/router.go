// Package query federates reads across the hot and cold tiers. A query fans
// out one sub-query per overlapping partition, routes each to the tier that
// owns it, and merges results in key order.
package query

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stratadb/strata/internal/archive"
	"github.com/stratadb/strata/internal/bloom"
	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/hot"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/pkg/types"
)

// Params describes a federated query.
type Params struct {
	Range types.KeyRange `json:"range"`
	Kinds []string       `json:"kinds,omitempty"`
}

// SubQueryFailure records a partition whose sub-query did not complete.
type SubQueryFailure struct {
	PartitionID string `json:"partition_id"`
	Reason      string `json:"reason"`
}

// Result holds merged records plus enough detail to judge completeness.
type Result struct {
	Records           []types.Record    `json:"records"`
	Partial           bool              `json:"partial"`
	Failures          []SubQueryFailure `json:"failures,omitempty"`
	PartitionsQueried int               `json:"partitions_queried"`
	PartitionsPruned  int               `json:"partitions_pruned"`
}

// Router executes federated queries.
type Router struct {
	registry    registry.Registry
	hot         *hot.Store
	cache       *DownloadCache
	concurrency int64
	subTimeout  time.Duration
}

// NewRouter creates a query router. concurrency bounds parallel sub-queries
// and subTimeout bounds each one.
func NewRouter(reg registry.Registry, store *hot.Store, cache *DownloadCache, concurrency int, subTimeout time.Duration) *Router {
	if concurrency <= 0 {
		concurrency = 4
	}
	if subTimeout <= 0 {
		subTimeout = 10 * time.Second
	}
	return &Router{
		registry:    reg,
		hot:         store,
		cache:       cache,
		concurrency: int64(concurrency),
		subTimeout:  subTimeout,
	}
}

// Query fans out across all partitions overlapping the range. Failed
// sub-queries do not fail the whole query: their partitions are reported
// and the result is marked partial.
func (r *Router) Query(ctx context.Context, params Params) (*Result, error) {
	if params.Range.Empty() {
		return nil, serrors.NewValidationError(serrors.CodeInvalidRange,
			fmt.Sprintf("empty key range [%d, %d)", params.Range.Low, params.Range.High))
	}

	partitions, err := r.registry.Lookup(ctx, params.Range)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	targets := make([]*types.Partition, 0, len(partitions))
	for _, p := range partitions {
		prune, err := r.shouldPrune(ctx, p, params.Kinds)
		if err != nil {
			return nil, err
		}
		if prune {
			result.PartitionsPruned++
			continue
		}
		targets = append(targets, p)
	}
	result.PartitionsQueried = len(targets)

	// Fan out, bounded. Slots are positional so the merge preserves
	// partition order; disjoint ranges make that global key order.
	perPartition := make([][]types.Record, len(targets))
	failures := make([]*SubQueryFailure, len(targets))
	sem := semaphore.NewWeighted(r.concurrency)

	for i, p := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(slot int, p *types.Partition) {
			defer sem.Release(1)

			subCtx, cancel := context.WithTimeout(ctx, r.subTimeout)
			defer cancel()

			records, err := r.querySubPartition(subCtx, p, params)
			if err != nil {
				if subCtx.Err() == context.DeadlineExceeded {
					err = serrors.NewQueryTimeoutError(
						fmt.Sprintf("sub-query for partition %s exceeded %s", p.ID, r.subTimeout))
				}
				log.Printf("query: [WARN] sub-query for partition %s failed: %v", p.ID, err)
				failures[slot] = &SubQueryFailure{PartitionID: p.ID, Reason: err.Error()}
				return
			}
			perPartition[slot] = records
		}(i, p)
	}

	// Wait for all in-flight sub-queries.
	if err := sem.Acquire(ctx, r.concurrency); err != nil {
		return nil, err
	}
	sem.Release(r.concurrency)

	for i := range targets {
		if failures[i] != nil {
			result.Partial = true
			result.Failures = append(result.Failures, *failures[i])
			continue
		}
		result.Records = append(result.Records, perPartition[i]...)
	}
	return result, nil
}

// shouldPrune skips cold partitions whose kind bloom filter proves none of
// the requested kinds were archived. False positives cost a wasted read;
// false negatives cannot happen.
func (r *Router) shouldPrune(ctx context.Context, p *types.Partition, kinds []string) (bool, error) {
	if len(kinds) == 0 || !isCold(p.State) {
		return false, nil
	}

	manifest, err := r.registry.Manifest(ctx, p.ID)
	if err != nil {
		return false, err
	}
	if len(manifest.KindBloom) == 0 {
		return false, nil
	}

	filter, err := bloom.Unmarshal(manifest.KindBloom)
	if err != nil {
		log.Printf("query: [WARN] unreadable bloom filter for partition %s: %v", p.ID, err)
		return false, nil
	}
	return !filter.ContainsAny(kinds), nil
}

func (r *Router) querySubPartition(ctx context.Context, p *types.Partition, params Params) ([]types.Record, error) {
	if isCold(p.State) {
		return r.queryCold(ctx, p, params)
	}
	return r.hot.Query(ctx, p.ID, params.Range, params.Kinds)
}

// queryCold serves a partition from its archived object.
func (r *Router) queryCold(ctx context.Context, p *types.Partition, params Params) ([]types.Record, error) {
	manifest, err := r.registry.Manifest(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	localPath, err := r.cache.Fetch(ctx, manifest.StorageURI)
	if err != nil {
		return nil, err
	}

	records, err := archive.ReadParquet(localPath)
	if err != nil {
		// A cached object that no longer decodes is poison; drop it so
		// the next query re-downloads.
		r.cache.Invalidate(manifest.StorageURI)
		return nil, err
	}
	return filterRecords(records, params), nil
}

// isCold reports whether a partition is served from the cold tier. RETIRED
// partitions have no hot file left, so they read cold too.
func isCold(state types.PartitionState) bool {
	return state == types.StateCold || state == types.StateRetired
}

func filterRecords(records []types.Record, params Params) []types.Record {
	var kindSet map[string]struct{}
	if len(params.Kinds) > 0 {
		kindSet = make(map[string]struct{}, len(params.Kinds))
		for _, k := range params.Kinds {
			kindSet[k] = struct{}{}
		}
	}

	var out []types.Record
	for i := range records {
		rec := &records[i]
		if !params.Range.Contains(rec.Key) {
			continue
		}
		if kindSet != nil {
			if _, ok := kindSet[rec.Kind]; !ok {
				continue
			}
		}
		out = append(out, *rec)
	}
	return out
}
