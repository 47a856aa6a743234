package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// StateBytes is the amount of randomness in a generated state token (256 bits).
const StateBytes = 32

// GenerateRandomString generates length random bytes, encoded as unpadded URL-safe base64.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Errorf("failed to generate random string: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// GenerateState returns a fresh unguessable CSRF state token.
func GenerateState() string {
	return GenerateRandomString(StateBytes)
}
