package wal

// ============================================================================
// Checksum
// Responsibility: CRC32 over the full record, payload included
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum returns the CRC32-IEEE of rec encoded with Checksum = 0.
// The whole record is covered so a flipped byte in the case payload is caught,
// not only in the header fields.
func CalculateChecksum(rec Record) (uint32, error) {
	rec.Checksum = 0
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

// VerifyChecksum recomputes the checksum of rec and compares.
func VerifyChecksum(rec Record) error {
	actual, err := CalculateChecksum(rec)
	if err != nil {
		return err
	}
	if actual != rec.Checksum {
		return &ChecksumError{Seq: rec.Seq, Expected: rec.Checksum, Actual: actual}
	}
	return nil
}
