package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashID returns a short, stable fingerprint of a caller identity for logs.
// The raw identity never reaches the log stream.
func HashID(id string) string {
	if id == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte("caller:" + id))
	return hex.EncodeToString(sum[:6])
}
