package methods

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex returns the lowercase hex digest of data. Used for the raw-file
// content hash at upload and, through the geometry service, for feature
// dedup hashes.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
