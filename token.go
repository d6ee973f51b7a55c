package quotaledger

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const callTokenPrefix = "qlt_"

// TokenGenerator produces opaque call tokens.
type TokenGenerator func() (string, error)

// NewCallToken returns a call token carrying 256 bits of randomness.
func NewCallToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("quotaledger: generate call token: %w", err)
	}
	return callTokenPrefix + base64.RawURLEncoding.EncodeToString(b[:]), nil
}
