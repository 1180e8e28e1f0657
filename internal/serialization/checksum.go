package serialization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// ChecksumKey is the metadata key holding the hex SHA-256 of the data section.
const ChecksumKey = "sha256"

// ComputeChecksum computes SHA-256 checksum of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ValidateChecksum compares a computed checksum against its stored hex form.
// Returns ErrChecksumMismatch if they don't match.
func ValidateChecksum(computed [32]byte, stored string) error {
	if stored == "" {
		return ErrMissingChecksum
	}
	if hex.EncodeToString(computed[:]) != stored {
		return fmt.Errorf("%w: stored %s", ErrChecksumMismatch, stored)
	}
	return nil
}

// sumHex finalizes h as a hex string.
func sumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
