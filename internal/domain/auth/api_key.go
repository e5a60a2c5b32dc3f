// Package auth authenticates API callers and derives owner fingerprints
// from portal credentials.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an API key does not match any configured key.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// Identity names the API caller an API key belongs to.
type Identity struct {
	Name string
}

// KeyEntry is one configured API key: a stored hash bound to an identity.
type KeyEntry struct {
	Name    string
	KeyHash string
}

// APIKeyService validates API keys against the configured entries.
type APIKeyService struct {
	// bySHA256 indexes SHA-256-hashed keys for O(1) lookup (fast path).
	bySHA256 map[string]Identity
	// argon2Keys are iterated and verified (PHC-format hashes carry a
	// random salt, so no direct lookup is possible).
	argon2Keys []KeyEntry
}

// NewAPIKeyService builds a service from configured key entries.
func NewAPIKeyService(entries []KeyEntry) *APIKeyService {
	s := &APIKeyService{bySHA256: make(map[string]Identity)}
	for _, e := range entries {
		switch DetectHashType(e.KeyHash) {
		case "sha256":
			s.bySHA256[strings.TrimPrefix(e.KeyHash, "sha256:")] = Identity{Name: e.Name}
		default:
			s.argon2Keys = append(s.argon2Keys, e)
		}
	}
	return s
}

// Validate checks a raw API key and returns the associated identity.
// Returns ErrInvalidKey when no configured key matches.
func (s *APIKeyService) Validate(rawKey string) (*Identity, error) {
	// Fast path: direct SHA-256 lookup.
	if id, ok := s.bySHA256[HashKey(rawKey)]; ok {
		return &id, nil
	}
	// Fallback: verify against each Argon2id hash.
	for _, e := range s.argon2Keys {
		match, err := VerifyKey(rawKey, e.KeyHash)
		if err != nil {
			continue
		}
		if match {
			return &Identity{Name: e.Name}, nil
		}
	}
	return nil, ErrInvalidKey
}

// HashKey returns the SHA-256 hex hash of the raw key, used for the
// fast-path lookup of YAML-seeded keys.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// argon2idParams follows OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType identifies the hash algorithm used for a stored hash.
// Returns "argon2id" for PHC format, "sha256" for prefixed or bare hex,
// "unknown" otherwise.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyKey verifies a raw key against a stored hash of either supported
// format. Returns ErrUnknownHashType for unrecognized formats.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return argon2id.ComparePasswordAndHash(rawKey, storedHash)
	case "sha256":
		want := strings.TrimPrefix(storedHash, "sha256:")
		return HashKey(rawKey) == want, nil
	default:
		return false, ErrUnknownHashType
	}
}
