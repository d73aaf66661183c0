package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Environment tags are embedded in the key itself so a raw key can be
// classified without a store lookup.
type Environment string

const (
	EnvLive Environment = "live"
	EnvTest Environment = "test"
)

const (
	keyPrefix = "jk"

	// Random payload bounds, in bytes (hex-encoded in the key).
	MinRandomBytes     = 32
	MaxRandomBytes     = 48
	DefaultRandomBytes = 32

	// DisplayPrefixLen is how much of the raw key is safe to show in
	// listings: enough to tell keys apart, too short to leak entropy.
	DisplayPrefixLen = 12

	maskPlaceholder = "***"
)

// IssuedKey is the output of issuance. Raw is available exactly once, at
// this point; only Hash and Prefix are ever persisted.
type IssuedKey struct {
	Raw         string
	Hash        string
	Prefix      string
	Environment Environment
}

// Issue generates a new key with the default payload size.
func Issue(env Environment) (*IssuedKey, error) {
	return IssueWithLength(env, DefaultRandomBytes)
}

// IssueWithLength generates a key of the form jk_{env}_{hex} with
// randomBytes drawn from crypto/rand. randomBytes must be within
// [MinRandomBytes, MaxRandomBytes].
func IssueWithLength(env Environment, randomBytes int) (*IssuedKey, error) {
	if env != EnvLive && env != EnvTest {
		return nil, fmt.Errorf("%w: unknown environment %q", ErrInvalidFormat, env)
	}
	if randomBytes < MinRandomBytes || randomBytes > MaxRandomBytes {
		return nil, fmt.Errorf("%w: %d bytes (want %d-%d)", ErrInvalidLength, randomBytes, MinRandomBytes, MaxRandomBytes)
	}

	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}

	raw := keyPrefix + "_" + string(env) + "_" + hex.EncodeToString(buf)
	hash, err := Hash(raw)
	if err != nil {
		return nil, err
	}

	return &IssuedKey{
		Raw:         raw,
		Hash:        hash,
		Prefix:      raw[:DisplayPrefixLen],
		Environment: env,
	}, nil
}

// Hash returns the lowercase hex SHA-256 digest of the raw key.
func Hash(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), nil
}

// ValidateFormat checks surface syntax only: fixed prefix, exactly three
// underscore-delimited segments, a known environment tag, and a hex
// payload within bounds. It never touches storage, so a passing key may
// still be unknown, revoked or expired.
func ValidateFormat(raw string) (Environment, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: want %s_{env}_{hex}", ErrInvalidFormat, keyPrefix)
	}
	if parts[0] != keyPrefix {
		return "", fmt.Errorf("%w: bad prefix", ErrInvalidFormat)
	}

	env := Environment(parts[1])
	if env != EnvLive && env != EnvTest {
		return "", fmt.Errorf("%w: unknown environment %q", ErrInvalidFormat, parts[1])
	}

	payload := parts[2]
	if len(payload) < MinRandomBytes*2 || len(payload) > MaxRandomBytes*2 {
		return "", fmt.Errorf("%w: payload length %d", ErrInvalidFormat, len(payload))
	}
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: payload is not lowercase hex", ErrInvalidFormat)
		}
	}

	return env, nil
}

// Mask renders a key for logs as prefix...suffix. Short or malformed
// input gets a fixed placeholder so nothing useful leaks.
func Mask(raw string) string {
	if len(raw) <= 20 {
		return maskPlaceholder
	}
	return raw[:DisplayPrefixLen] + "..." + raw[len(raw)-4:]
}

// ConstantTimeEquals compares two hash strings without short-circuiting
// on the first differing byte. Length mismatch returns false
// immediately; length is not secret.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
