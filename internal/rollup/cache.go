// Package rollup maintains cached aggregates over the record store. Values
// are served from cache within a staleness bound and recomputed on demand,
// reusing per-partition partials for partitions that can no longer change.
package rollup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/notify"
	"github.com/stratadb/strata/internal/observability"
	"github.com/stratadb/strata/internal/query"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/pkg/types"
)

// Refresh modes. Sync blocks the caller until the value is fresh; async
// returns the stale value immediately and refreshes in the background.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Supported metrics. MetricCount is the record count per kind; MetricSum
// totals the numeric "value" payload field, treating records without one
// as zero.
const (
	MetricCount = "count"
	MetricSum   = "sum"
)

// Config tunes the cache.
type Config struct {
	StalenessBound time.Duration
	Mode           string
}

// Cache serves per-kind aggregate values.
type Cache struct {
	cfg      Config
	registry registry.Registry
	router   *query.Router

	flight singleflight.Group
	values *xsync.MapOf[string, types.RollupValue]

	// partials caches aggregates for partitions past OPEN; those can only
	// change by retirement, which preserves content.
	partials *xsync.MapOf[string, partial]

	dirty *xsync.MapOf[string, bool]

	sub    *notify.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCache creates a rollup cache. If hub is non-nil the cache subscribes
// for write notifications and marks touched kinds dirty.
func NewCache(cfg Config, reg registry.Registry, router *query.Router, hub *notify.Hub) *Cache {
	if cfg.StalenessBound <= 0 {
		cfg.StalenessBound = 5 * time.Minute
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}

	c := &Cache{
		cfg:      cfg,
		registry: reg,
		router:   router,
		values:   xsync.NewMapOf[string, types.RollupValue](),
		partials: xsync.NewMapOf[string, partial](),
		dirty:    xsync.NewMapOf[string, bool](),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if hub != nil {
		c.sub = hub.Subscribe("rollup-cache")
		go c.watchWrites()
	} else {
		close(c.doneCh)
	}
	return c
}

// Close stops the write watcher.
func (c *Cache) Close() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) watchWrites() {
	defer close(c.doneCh)
	for {
		select {
		case ev, ok := <-c.sub.Ch:
			if !ok {
				return
			}
			if ev.Type == notify.RecordsWritten {
				for _, kind := range ev.Kinds {
					c.dirty.Store(kind, true)
				}
			}
		case <-c.stopCh:
			return
		}
	}
}

// Get returns an aggregate for a kind. Within the staleness bound a clean
// cached value is served as is. A stale or dirty value is refreshed inline
// in sync mode; in async mode the caller gets the stale value marked Stale
// while a background refresh runs. One refresh recomputes every metric for
// the kind.
func (c *Cache) Get(ctx context.Context, kind, metric string) (types.RollupValue, error) {
	if metric != MetricCount && metric != MetricSum {
		return types.RollupValue{}, serrors.NewValidationError(serrors.CodeInvalidMetric,
			fmt.Sprintf("unknown rollup metric %q", metric))
	}

	cached, ok := c.values.Load(valueKey(kind, metric))
	if ok && c.isFresh(kind, cached) {
		observability.RollupHits.Inc()
		return cached, nil
	}

	if c.cfg.Mode == ModeAsync && ok {
		cached.Stale = true
		go func() {
			if _, err := c.refresh(context.Background(), kind, metric); err != nil {
				log.Printf("rollup: [WARN] background refresh of %q failed: %v", kind, err)
			}
		}()
		return cached, nil
	}

	return c.refresh(ctx, kind, metric)
}

// Peek returns the cached value without triggering a refresh.
func (c *Cache) Peek(kind, metric string) (types.RollupValue, bool) {
	v, ok := c.values.Load(valueKey(kind, metric))
	if ok && !c.isFresh(kind, v) {
		v.Stale = true
	}
	return v, ok
}

func (c *Cache) isFresh(kind string, v types.RollupValue) bool {
	if _, dirty := c.dirty.Load(kind); dirty {
		return false
	}
	return time.Since(v.AsOf) < c.cfg.StalenessBound
}

// partial is a per-partition aggregate slice; one scan fills every metric.
type partial struct {
	count int64
	sum   float64
}

// refresh recomputes all metrics for a kind and returns the requested one.
// Concurrent refreshes of the same kind collapse into one computation.
func (c *Cache) refresh(ctx context.Context, kind, metric string) (types.RollupValue, error) {
	v, err, _ := c.flight.Do(kind, func() (interface{}, error) {
		observability.RollupRefreshes.Inc()
		return c.compute(ctx, kind)
	})
	if err != nil {
		return types.RollupValue{}, err
	}
	values := v.(map[string]types.RollupValue)
	return values[metric], nil
}

func (c *Cache) compute(ctx context.Context, kind string) (map[string]types.RollupValue, error) {
	// Clear the dirty mark first: writes landing mid-computation re-mark
	// it and the next Get recomputes.
	c.dirty.Delete(kind)

	partitions, err := c.registry.Lookup(ctx, types.KeyRange{Low: 0, High: types.MaxKey})
	if err != nil {
		return nil, err
	}

	var total partial
	for _, p := range partitions {
		part, err := c.partitionAggregate(ctx, p, kind)
		if err != nil {
			return nil, err
		}
		total.count += part.count
		total.sum += part.sum
	}

	asOf := time.Now()
	values := map[string]types.RollupValue{
		MetricCount: {DimensionKey: kind, Metric: MetricCount, Value: float64(total.count), AsOf: asOf},
		MetricSum:   {DimensionKey: kind, Metric: MetricSum, Value: total.sum, AsOf: asOf},
	}
	for metric, value := range values {
		c.values.Store(valueKey(kind, metric), value)
	}
	return values, nil
}

// partitionAggregate computes a kind's aggregates over one partition,
// serving immutable partitions from the partial cache.
func (c *Cache) partitionAggregate(ctx context.Context, p *types.Partition, kind string) (partial, error) {
	immutable := p.State != types.StateOpen
	key := partialKey(p.ID, kind)

	if immutable {
		if part, ok := c.partials.Load(key); ok {
			return part, nil
		}
	}

	result, err := c.router.Query(ctx, query.Params{Range: p.Range, Kinds: []string{kind}})
	if err != nil {
		return partial{}, err
	}
	if result.Partial {
		return partial{}, fmt.Errorf("rollup: partial sub-result for partition %s", p.ID)
	}

	part := partial{count: int64(len(result.Records))}
	for i := range result.Records {
		if v, ok := result.Records[i].Payload["value"].(float64); ok {
			part.sum += v
		}
	}
	if immutable {
		c.partials.Store(key, part)
	}
	return part, nil
}

func partialKey(partitionID, kind string) string {
	return partitionID + "\x00" + kind
}

func valueKey(kind, metric string) string {
	return kind + "\x00" + metric
}
