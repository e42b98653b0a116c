package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lower-cases text and collapses every run of Unicode whitespace
// into a single space. Two questions that normalize equally share a cache
// entry.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Hash returns the hex SHA-256 digest of a normalized query.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
