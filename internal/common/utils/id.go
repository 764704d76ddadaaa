// Package utils holds small helpers shared across the guard: identifier
// generation and retry with backoff.
package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateRandomID returns a hex string of length characters from crypto/rand.
// Odd lengths are rounded down.
func GenerateRandomID(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateToken returns n random bytes encoded as unpadded URL-safe base64
func GenerateToken(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// NewRequestID returns a UUIDv4 used to correlate log lines and notifications
func NewRequestID() string {
	return uuid.NewString()
}
