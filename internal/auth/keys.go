// Package auth authenticates callers of the local HTTP API with static
// API keys. Keys are held only as SHA-256 digests.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

const (
	// APIKeyPrefix distinguishes fieldsync keys from other bearer tokens.
	APIKeyPrefix = "fs_"

	// apiKeyBytes is the random part of a generated key.
	apiKeyBytes = 32

	// APIKeyMinLen is the shortest key accepted: the prefix plus 16
	// random bytes hex-encoded.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// Keys maps API key digests to the user they authenticate.
type Keys struct {
	mu     sync.RWMutex
	digest map[[sha256.Size]byte]string
}

func NewKeys() *Keys {
	return &Keys{digest: make(map[[sha256.Size]byte]string)}
}

// CheckKeyFormat reports whether key has the prefix, length and hex body
// a fieldsync key must have.
func CheckKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("API key too short (minimum %d characters)", APIKeyMinLen)
	}

	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return fmt.Errorf("API key contains non-hex characters after %q", APIKeyPrefix)
	}

	return nil
}

// Add registers key for userID.
func (k *Keys) Add(userID, key string) error {
	if userID == "" {
		return fmt.Errorf("API key needs a user id")
	}

	if err := CheckKeyFormat(key); err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(key))

	k.mu.Lock()
	defer k.mu.Unlock()

	if owner, dup := k.digest[sum]; dup && owner != userID {
		return fmt.Errorf("API key already assigned to another user")
	}

	k.digest[sum] = userID

	return nil
}

// Validate returns the user a key belongs to.
func (k *Keys) Validate(key string) (string, bool) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", false
	}

	sum := sha256.Sum256([]byte(key))

	k.mu.RLock()
	defer k.mu.RUnlock()

	userID, ok := k.digest[sum]

	return userID, ok
}

// Len returns the number of registered keys.
func (k *Keys) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.digest)
}

// GenerateAPIKey returns a new random key.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
