package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/stratadb/strata/pkg/types"
)

// RecordRow is the parquet representation of a record. Payloads travel as
// canonical JSON so the verification hash sees the same bytes on both sides.
type RecordRow struct {
	RecordID    []byte `parquet:"record_id"`
	RecordKey   int64  `parquet:"record_key"`
	Kind        string `parquet:"kind,zstd"`
	PayloadJSON []byte `parquet:"payload_json,zstd"`
}

// RecordToRow converts a record to its parquet form.
func RecordToRow(rec *types.Record) (RecordRow, error) {
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return RecordRow{}, fmt.Errorf("archive: failed to marshal payload: %w", err)
	}
	return RecordRow{
		RecordID:    rec.RecordID,
		RecordKey:   rec.Key,
		Kind:        rec.Kind,
		PayloadJSON: payloadJSON,
	}, nil
}

// RowToRecord converts a parquet row back to a record.
func RowToRecord(row *RecordRow) (types.Record, error) {
	rec := types.Record{
		RecordID: row.RecordID,
		Key:      row.RecordKey,
		Kind:     row.Kind,
	}
	if err := json.Unmarshal(row.PayloadJSON, &rec.Payload); err != nil {
		return types.Record{}, fmt.Errorf("archive: failed to unmarshal payload: %w", err)
	}
	return rec, nil
}

// WriteParquet writes records to a parquet file at path, creating parent
// directories as needed.
func WriteParquet(path string, records []types.Record) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("archive: failed to create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("archive: failed to create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[RecordRow](f, parquet.Compression(&parquet.Zstd))

	rows := make([]RecordRow, len(records))
	for i := range records {
		rows[i], err = RecordToRow(&records[i])
		if err != nil {
			f.Close()
			return 0, err
		}
	}

	var written int64
	if len(rows) > 0 {
		n, err := writer.Write(rows)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("archive: failed to write parquet rows: %w", err)
		}
		written = int64(n)
	}

	if err := writer.Close(); err != nil {
		f.Close()
		return 0, fmt.Errorf("archive: failed to close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("archive: failed to close parquet file: %w", err)
	}
	return written, nil
}

// ReadParquet reads all records from a parquet file. A corrupted or
// truncated file is reported as an error: the verify step feeds arbitrary
// downloaded bytes through here and must see a decode failure, not a crash.
func ReadParquet(path string) (records []types.Record, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to open parquet file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("archive: failed to stat parquet file: %w", err)
	}

	// parquet-go panics on some malformed inputs instead of returning an
	// error. Convert those into decode errors.
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("archive: failed to decode parquet file: %v", r)
		}
	}()

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("archive: failed to decode parquet file: %w", err)
	}

	reader := parquet.NewGenericReader[RecordRow](pf)
	defer reader.Close()

	buf := make([]RecordRow, 1024)
	for {
		n, readErr := reader.Read(buf)
		for i := 0; i < n; i++ {
			rec, convErr := RowToRecord(&buf[i])
			if convErr != nil {
				return nil, convErr
			}
			records = append(records, rec)
		}
		if readErr == io.EOF {
			return records, nil
		}
		if readErr != nil {
			return nil, fmt.Errorf("archive: failed to read parquet rows: %w", readErr)
		}
	}
}
