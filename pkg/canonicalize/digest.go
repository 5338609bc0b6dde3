package canonicalize

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Hash returns the SHA-256 digest of the canonical JSON form of v as a
// lowercase 64-character hex string, no prefix.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the digest of v and compares it to expected.
// The expected digest may carry an optional "sha256:" prefix; comparison is
// case-insensitive on the hex and constant-time.
//
// Verify never reports tampering as an error: a mismatch yields false. The
// only error condition is a value that cannot be canonicalized at all.
func Verify(v any, expected string) (bool, error) {
	actual, err := Hash(v)
	if err != nil {
		return false, err
	}
	return DigestEqual(actual, expected), nil
}

// DigestEqual compares two hex digests, tolerating an optional "sha256:"
// prefix and mixed case on either side.
func DigestEqual(a, b string) bool {
	a = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), "sha256:"))
	b = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(b), "sha256:"))
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
