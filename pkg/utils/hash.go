package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CalculateStringSHA256 computes the SHA-256 hash of a string.
func CalculateStringSHA256(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// URLKey is the content-addressed key of a normalized URL.
// Raw URLs can exceed practical index key lengths, so every per-URL record is keyed by this.
func URLKey(normalizedURL string) string {
	return CalculateStringSHA256(normalizedURL)
}

// CompositeKey hashes several parts into one key. Parts are joined with a
// separator that cannot appear in a URL so ("a|", "b") and ("a", "|b") differ.
func CompositeKey(parts ...string) string {
	return CalculateStringSHA256(strings.Join(parts, "\x00"))
}

// ContentFingerprint is a fast 64-bit hash of already collapsed visible text, hex encoded.
// An empty text has an empty fingerprint so blank pages never cluster together.
func ContentFingerprint(text string) string {
	if text == "" {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64String(text), 16)
}
