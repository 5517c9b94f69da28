// Package lifecycle drives partitions through their states on a periodic
// tick: age-based sealing, archival scheduling, and hot tier reclamation.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stratadb/strata/internal/archive"
	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/hot"
	"github.com/stratadb/strata/internal/observability"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/pkg/types"
)

// Config bounds the controller's behavior per tick.
type Config struct {
	// AgeThreshold seals an OPEN partition once it has been open this long.
	AgeThreshold time.Duration

	// MaxConcurrentArchivals bounds archival pipelines running at once.
	MaxConcurrentArchivals int64

	// RetentionAfterRetire is how long a COLD partition keeps its hot file
	// before retirement reclaims it.
	RetentionAfterRetire time.Duration
}

// TickResult lists the partitions each phase of one controller pass acted
// on, in the order they were processed.
type TickResult struct {
	Sealed           []string `json:"sealed"`
	ArchivalsStarted []string `json:"archivals_started"`
	ArchivalsFailed  []string `json:"archivals_failed"`
	Retired          []string `json:"retired"`
}

// Controller advances partition lifecycle state. Ticks are safe to run
// concurrently: every transition is a registry CAS, so two controllers
// racing on the same partition results in one winner and one conflict.
type Controller struct {
	cfg      Config
	registry registry.Registry
	hot      *hot.Store
	pipeline *archive.Pipeline
}

// NewController creates a lifecycle controller.
func NewController(cfg Config, reg registry.Registry, store *hot.Store, pipeline *archive.Pipeline) *Controller {
	if cfg.MaxConcurrentArchivals <= 0 {
		cfg.MaxConcurrentArchivals = 2
	}
	return &Controller{
		cfg:      cfg,
		registry: reg,
		hot:      store,
		pipeline: pipeline,
	}
}

// Tick runs one full lifecycle pass and blocks until the archivals it
// started have finished.
func (c *Controller) Tick(ctx context.Context) (*TickResult, error) {
	result := &TickResult{}

	if err := c.sealAged(ctx, result); err != nil {
		return result, err
	}
	if err := c.archiveSealed(ctx, result); err != nil {
		return result, err
	}
	if err := c.retireCold(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

// sealAged seals the OPEN partition when it has outlived the age threshold.
// A partition with no records yet is left open; there is nothing to archive.
func (c *Controller) sealAged(ctx context.Context, result *TickResult) error {
	if c.cfg.AgeThreshold <= 0 {
		return nil
	}

	open, err := c.registry.OpenPartition(ctx)
	if err != nil {
		return err
	}
	if open == nil || time.Since(open.CreatedAt) < c.cfg.AgeThreshold {
		return nil
	}

	maxKey, ok, err := c.hot.MaxKey(ctx, open.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	high := maxKey + 1
	if err := c.registry.SealAt(ctx, open.ID, high); err != nil {
		// Another writer may have sealed it first.
		if serrors.GetCode(err) == serrors.CodeAlreadySealed || serrors.GetCode(err) == serrors.CodePartitionConflict {
			return nil
		}
		return err
	}
	result.Sealed = append(result.Sealed, open.ID)
	observability.PartitionsSealed.Inc()
	log.Printf("lifecycle: sealed aged partition %s at %d", open.ID, high)

	if _, err := c.registry.Open(ctx, high); err != nil {
		// The loader may have raced the reopen; the conflict is benign.
		if serrors.GetCode(err) == serrors.CodePartitionConflict {
			return nil
		}
		return err
	}
	return nil
}

// archiveSealed runs the archival pipeline for sealed partitions, at most
// MaxConcurrentArchivals at a time.
func (c *Controller) archiveSealed(ctx context.Context, result *TickResult) error {
	sealed, err := c.registry.InState(ctx, types.StateSealed)
	if err != nil {
		return err
	}
	if len(sealed) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(c.cfg.MaxConcurrentArchivals)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range sealed {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		result.ArchivalsStarted = append(result.ArchivalsStarted, p.ID)

		go func(partitionID string) {
			defer wg.Done()
			defer sem.Release(1)

			if _, err := c.pipeline.Archive(ctx, partitionID); err != nil {
				// Conflicts mean another controller took the partition.
				if serrors.GetCode(err) != serrors.CodePartitionConflict {
					log.Printf("lifecycle: [WARN] archival of %s failed: %v", partitionID, err)
					observability.ArchivalFailures.Inc()
					mu.Lock()
					result.ArchivalsFailed = append(result.ArchivalsFailed, partitionID)
					mu.Unlock()
				}
				return
			}
			observability.PartitionsArchived.Inc()
		}(p.ID)
	}

	wg.Wait()
	return nil
}

// retireCold retires COLD partitions past the retention window and reclaims
// their hot files. The manifest and cold object remain the sole copy.
func (c *Controller) retireCold(ctx context.Context, result *TickResult) error {
	cutoff := time.Now().Add(-c.cfg.RetentionAfterRetire)
	eligible, err := c.registry.ColdOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, p := range eligible {
		if err := c.registry.Retire(ctx, p.ID); err != nil {
			if serrors.GetCode(err) == serrors.CodePartitionConflict {
				continue
			}
			return err
		}
		if err := c.hot.Remove(ctx, p.ID); err != nil {
			log.Printf("lifecycle: [WARN] failed to reclaim hot file for %s: %v", p.ID, err)
		}
		result.Retired = append(result.Retired, p.ID)
		observability.PartitionsRetired.Inc()
		log.Printf("lifecycle: retired partition %s", p.ID)
	}
	return nil
}

// Run ticks the controller at the given interval until the context ends.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil {
				log.Printf("lifecycle: [WARN] tick failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
