// Package archive moves sealed partitions from the hot tier to cold object
// storage and verifies the round trip before marking them cold.
package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/stratadb/strata/internal/alert"
	"github.com/stratadb/strata/internal/bloom"
	serrors "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/pkg/types"
)

// ObjectKey returns the deterministic cold object key for a partition.
// Re-running a failed archival overwrites the same object instead of
// leaking orphans.
func ObjectKey(partitionID string) string {
	return fmt.Sprintf("cold/%s.parquet", partitionID)
}

// Pipeline archives one partition at a time: extract, transform, upload,
// verify, commit.
type Pipeline struct {
	registry registry.Registry
	hot      HotExtractor
	storage  storage.ObjectStorage
	alerts   alert.Notifier
	workDir  string
	bloomFPR float64
}

// HotExtractor is the slice of the hot tier the pipeline needs.
type HotExtractor interface {
	Extract(ctx context.Context, partitionID string) ([]types.Record, error)
}

// NewPipeline creates an archival pipeline. workDir holds scratch parquet
// files during transform and verify.
func NewPipeline(reg registry.Registry, hot HotExtractor, store storage.ObjectStorage, alerts alert.Notifier, workDir string) *Pipeline {
	return &Pipeline{
		registry: reg,
		hot:      hot,
		storage:  store,
		alerts:   alerts,
		workDir:  workDir,
		bloomFPR: 0.01,
	}
}

// Archive runs the full pipeline for a sealed partition. On a transient
// failure after the ARCHIVING transition the partition reverts to SEALED so
// a later tick can retry; the deterministic object key makes the retry
// overwrite any partial upload. A checksum mismatch is different: the
// partition stays ARCHIVING and nothing retries it until an operator
// re-triggers through Resume.
func (p *Pipeline) Archive(ctx context.Context, partitionID string) (*types.ArchiveManifest, error) {
	if err := p.registry.BeginArchive(ctx, partitionID); err != nil {
		return nil, err
	}

	manifest, err := p.run(ctx, partitionID)
	if err != nil {
		if serrors.GetCode(err) == serrors.CodeChecksumMismatch {
			return nil, err
		}
		if abortErr := p.registry.AbortArchive(ctx, partitionID); abortErr != nil {
			log.Printf("archive: [WARN] failed to revert partition %s to SEALED: %v", partitionID, abortErr)
		}
		return nil, err
	}

	if err := p.registry.CompleteArchive(ctx, partitionID, manifest); err != nil {
		return nil, err
	}
	log.Printf("archive: partition %s archived to %s (%d rows)", partitionID, manifest.StorageURI, manifest.RowCount)
	return manifest, nil
}

// Resume re-runs the pipeline for a partition stuck in ARCHIVING after a
// verification failure. It is the operator re-trigger path: the cause of
// the mismatch is investigated first, then Resume re-extracts and
// overwrites the rejected cold object under the same key.
func (p *Pipeline) Resume(ctx context.Context, partitionID string) (*types.ArchiveManifest, error) {
	part, err := p.registry.Get(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if part.State != types.StateArchiving {
		return nil, serrors.NewConflictError(
			fmt.Sprintf("partition %s is %s, not %s", partitionID, part.State, types.StateArchiving))
	}

	manifest, err := p.run(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if err := p.registry.CompleteArchive(ctx, partitionID, manifest); err != nil {
		return nil, err
	}
	log.Printf("archive: partition %s archived to %s after operator re-trigger (%d rows)",
		partitionID, manifest.StorageURI, manifest.RowCount)
	return manifest, nil
}

func (p *Pipeline) run(ctx context.Context, partitionID string) (*types.ArchiveManifest, error) {
	// Extract. The partition is sealed, so the snapshot is stable.
	records, err := p.hot.Extract(ctx, partitionID)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrCategoryArchival, serrors.CodeExtractFailed,
			fmt.Sprintf("failed to extract partition %s", partitionID), err)
	}

	checksum, err := Checksum(records)
	if err != nil {
		return nil, err
	}

	// Kind bloom filter for cold-side query pruning.
	kinds := distinctKinds(records)
	filter := bloom.New(len(kinds), p.bloomFPR)
	for _, k := range kinds {
		filter.Add(k)
	}

	// Transform to parquet in the scratch directory.
	localPath := filepath.Join(p.workDir, partitionID+".parquet")
	defer os.Remove(localPath)

	rowCount, err := WriteParquet(localPath, records)
	if err != nil {
		return nil, err
	}

	objectKey := ObjectKey(partitionID)
	err = withBackoff(ctx, func() error {
		if uploadErr := p.storage.Upload(ctx, localPath, objectKey); uploadErr != nil {
			return serrors.NewStorageError(
				fmt.Sprintf("failed to upload partition %s", partitionID), uploadErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.verify(ctx, partitionID, objectKey, checksum, rowCount); err != nil {
		return nil, err
	}

	return &types.ArchiveManifest{
		PartitionID: partitionID,
		StorageURI:  objectKey,
		Format:      types.FormatParquet,
		Checksum:    checksum,
		RowCount:    rowCount,
		KindBloom:   filter.Marshal(),
	}, nil
}

// verify downloads the uploaded object, decodes it, and recomputes the
// checksum. A mismatch means the cold copy does not match what was
// extracted and must never be trusted.
func (p *Pipeline) verify(ctx context.Context, partitionID, objectKey, wantChecksum string, wantRows int64) error {
	verifyPath := filepath.Join(p.workDir, partitionID+".verify.parquet")
	defer os.Remove(verifyPath)

	err := withBackoff(ctx, func() error {
		if dlErr := p.storage.Download(ctx, objectKey, verifyPath); dlErr != nil {
			return serrors.NewStorageError(
				fmt.Sprintf("failed to download partition %s for verification", partitionID), dlErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	records, err := ReadParquet(verifyPath)
	if err != nil {
		return p.checksumFailure(ctx, partitionID,
			fmt.Sprintf("cold object for partition %s is unreadable: %v", partitionID, err))
	}

	if int64(len(records)) != wantRows {
		return p.checksumFailure(ctx, partitionID,
			fmt.Sprintf("partition %s row count mismatch: extracted %d, cold object holds %d",
				partitionID, wantRows, len(records)))
	}

	gotChecksum, err := Checksum(records)
	if err != nil {
		return err
	}
	if gotChecksum != wantChecksum {
		return p.checksumFailure(ctx, partitionID,
			fmt.Sprintf("partition %s checksum mismatch: extracted %s, cold object %s",
				partitionID, wantChecksum, gotChecksum))
	}
	return nil
}

func (p *Pipeline) checksumFailure(ctx context.Context, partitionID, message string) error {
	log.Printf("archive: [WARN] %s", message)
	if p.alerts != nil {
		p.alerts.Notify(ctx, alert.Alert{
			Severity:  alert.SeverityCritical,
			Component: "archive",
			Message:   message,
		})
	}
	return serrors.NewChecksumError(message)
}

func distinctKinds(records []types.Record) []string {
	seen := make(map[string]struct{})
	var kinds []string
	for i := range records {
		if _, ok := seen[records[i].Kind]; !ok {
			seen[records[i].Kind] = struct{}{}
			kinds = append(kinds, records[i].Kind)
		}
	}
	return kinds
}
