package archive

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/stratadb/strata/pkg/types"
)

// Checksum computes a hex SHA-256 over the canonical encoding of records.
// Records must be ordered by (key, record_id); both extraction and
// verification read in that order, so equal content always hashes equal.
// Payloads are re-marshaled through encoding/json, which sorts map keys,
// making the encoding independent of the original field order.
func Checksum(records []types.Record) (string, error) {
	h := sha256.New()
	var buf [8]byte

	for i := range records {
		rec := &records[i]

		binary.BigEndian.PutUint64(buf[:], uint64(len(rec.RecordID)))
		h.Write(buf[:])
		h.Write(rec.RecordID)

		binary.BigEndian.PutUint64(buf[:], uint64(rec.Key))
		h.Write(buf[:])

		binary.BigEndian.PutUint64(buf[:], uint64(len(rec.Kind)))
		h.Write(buf[:])
		h.Write([]byte(rec.Kind))

		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return "", fmt.Errorf("archive: failed to marshal payload for checksum: %w", err)
		}
		binary.BigEndian.PutUint64(buf[:], uint64(len(payloadJSON)))
		h.Write(buf[:])
		h.Write(payloadJSON)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
