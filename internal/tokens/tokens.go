// Package tokens issues and verifies the ephemeral bearer tokens handed to
// in-container agents, plus the ready-ack GUIDs rotated on every start.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// HeaderAgentTools is the request header carrying the agent_tools bearer token.
const HeaderAgentTools = "x-agent-hub-agent-tools-token"

// Token is a freshly minted bearer token. Only Hash is ever persisted.
type Token struct {
	Plain string
	Hash  string
}

// New mints a 24-byte random token, hex encoded, with its sha256 hex hash.
func New() (Token, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}
	plain := hex.EncodeToString(raw)
	return Token{Plain: plain, Hash: Hash(plain)}, nil
}

// Hash returns the sha256 hex digest of a plaintext token.
func Hash(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Verify compares a presented plaintext against a stored hash in constant
// time. Empty stored hashes never verify.
func Verify(plain, storedHash string) bool {
	if plain == "" || storedHash == "" {
		return false
	}
	presented := Hash(plain)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}

// NewGUID mints a ready-ack GUID. Same entropy as a bearer token but kept as
// a distinct constructor because GUIDs are compared as plaintext, not hashes.
func NewGUID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate guid: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// VerifyGUID compares two GUIDs in constant time.
func VerifyGUID(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
