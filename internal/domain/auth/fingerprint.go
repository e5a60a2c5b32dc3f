package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the stable owner identifier from portal credentials.
//
// The value must be deterministic (it keys session reuse across unrelated
// requests) and one-way (the raw secret is never stored). SHA-256 over the
// canonical "username\x00secret" concatenation satisfies both; the NUL
// separator keeps ("ab","c") and ("a","bc") distinct.
func Fingerprint(username, secret string) string {
	h := sha256.New()
	h.Write([]byte(username))
	h.Write([]byte{0})
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}
