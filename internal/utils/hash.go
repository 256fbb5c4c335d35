// Package utils provides shared helpers for the module runtime.
// This file contains content hashing used to identify processed artifacts.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns the 64-character SHA256 hex digest of data.
func ContentHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ValidateHash checks if a hash string is a valid SHA256 hash.
func ValidateHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// TruncateHash returns a truncated version of the hash for display purposes.
// This should NOT be used for storage or lookups, only for logging.
func TruncateHash(hash string, length int) string {
	if len(hash) <= length {
		return hash
	}
	return hash[:length] + "..."
}
