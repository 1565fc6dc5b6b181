// ABOUTME: API key generation, format validation and header extraction
// ABOUTME: Keys are mesh_live_ or mesh_test_ followed by 64 lowercase hex characters

package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	LivePrefix = "mesh_live_"
	TestPrefix = "mesh_test_"

	// secretBytes of randomness become 64 hex characters
	secretBytes = 32
)

var apiKeyPattern = regexp.MustCompile(`^mesh_(live|test)_[0-9a-f]{64}$`)

var (
	// ErrInvalidFormat is returned for strings that are not well-formed API keys.
	ErrInvalidFormat = errors.New("invalid api key format")

	// ErrUnauthenticated covers malformed, unknown and revoked keys alike.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrKeyNotFound is returned when revoking a key that was never issued.
	ErrKeyNotFound = errors.New("api key not found")
)

// GenerateAPIKey returns a fresh random key of the requested kind.
func GenerateAPIKey(isTest bool) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}

	prefix := LivePrefix
	if isTest {
		prefix = TestPrefix
	}
	return prefix + hex.EncodeToString(buf), nil
}

// ValidateAPIKeyFormat reports whether key matches the API key format exactly.
func ValidateAPIKeyFormat(key string) bool {
	return apiKeyPattern.MatchString(key)
}

// IsTestKey reports whether key carries the test prefix.
func IsTestKey(key string) bool {
	return strings.HasPrefix(key, TestPrefix)
}

// ExtractAPIKeyFromHeader pulls a key out of an Authorization header value.
// The "Bearer " prefix is optional and case-insensitive.
func ExtractAPIKeyFromHeader(header string) (string, bool) {
	v := strings.TrimSpace(header)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		v = strings.TrimSpace(v[7:])
	}
	if !ValidateAPIKeyFormat(v) {
		return "", false
	}
	return v, true
}
