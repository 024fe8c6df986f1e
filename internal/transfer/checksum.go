// Package transfer moves a world snapshot from the host to a client as an
// ordered, checksum-verified chunk stream.
package transfer

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Checksum returns the hex BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChunkCount returns how many chunks of chunkSize bytes cover size bytes.
func ChunkCount(size, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}
