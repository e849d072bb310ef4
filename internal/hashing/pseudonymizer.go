package hashing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"behavior-gate/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// ErrEmptyClientKey is returned when there is nothing to pseudonymize.
var ErrEmptyClientKey = errors.New("empty client key")

const digestSize = 16

// Pseudonymizer maps client identifiers such as IP addresses to stable,
// keyed digests. The same input and key always yield the same pseudonym, so
// rate limits and audit rows can be correlated without keeping the raw
// address.
type Pseudonymizer struct {
	key []byte
}

// NewPseudonymizer returns a Pseudonymizer keyed with secret. Secrets longer
// than blake2b's key limit are hashed down first. An empty secret selects a
// random per-process key, which is only acceptable outside production.
func NewPseudonymizer(secret string) (*Pseudonymizer, error) {
	var key []byte
	switch {
	case secret == "":
		key = make([]byte, blake2b.Size256)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate pseudonym key: %w", err)
		}
		util.Warn("No pseudonym key configured, using an ephemeral key")
	case len(secret) > blake2b.Size:
		sum := blake2b.Sum256([]byte(secret))
		key = sum[:]
	default:
		key = []byte(secret)
	}
	return &Pseudonymizer{key: key}, nil
}

// Pseudonymize returns the hex digest of the normalized client key.
func (p *Pseudonymizer) Pseudonymize(clientKey string) (string, error) {
	normalized := normalize(clientKey)
	if normalized == "" {
		return "", ErrEmptyClientKey
	}

	h, err := blake2b.New(digestSize, p.key)
	if err != nil {
		return "", fmt.Errorf("failed to init blake2b: %w", err)
	}
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustPseudonymize is Pseudonymize for callers that already checked the
// input is non-empty. Failures are logged and yield "anonymous".
func (p *Pseudonymizer) MustPseudonymize(clientKey string) string {
	out, err := p.Pseudonymize(clientKey)
	if err != nil {
		util.Debug("Client key could not be pseudonymized", zap.Error(err))
		return "anonymous"
	}
	return out
}

// normalize strips a port and canonicalizes IP literals so that
// "10.0.0.1:5123" and "10.0.0.1" share a pseudonym.
func normalize(clientKey string) string {
	s := strings.TrimSpace(clientKey)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return strings.ToLower(s)
}
