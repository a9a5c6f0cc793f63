// Package apikey validates the bearer keys configured for the API. Keys are
// held only as SHA-256 hashes and compared in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrInvalidKey = errors.New("invalid api key")

// KeyInfo identifies a validated key. ID is a short hash prefix that is safe
// to log and to use as a rate-limit bucket.
type KeyInfo struct {
	ID        string `json:"id"`
	RateLimit int    `json:"rate_limit"`
}

// Set is a fixed set of accepted keys sharing one rate limit.
type Set struct {
	hashes    [][sha256.Size]byte
	rateLimit int
}

// NewSet hashes keys. Blank entries are ignored; an empty set accepts
// nothing, so callers should skip authentication instead.
func NewSet(keys []string, rateLimit int) *Set {
	s := &Set{rateLimit: rateLimit}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		s.hashes = append(s.hashes, sha256.Sum256([]byte(k)))
	}
	return s
}

// Len is the number of accepted keys.
func (s *Set) Len() int { return len(s.hashes) }

// Validate returns the KeyInfo of rawKey or ErrInvalidKey. Every stored hash
// is compared so timing does not reveal which key matched.
func (s *Set) Validate(_ context.Context, rawKey string) (*KeyInfo, error) {
	presented := sha256.Sum256([]byte(rawKey))
	match := 0
	for _, h := range s.hashes {
		match |= subtle.ConstantTimeCompare(presented[:], h[:])
	}
	if match != 1 {
		return nil, ErrInvalidKey
	}
	return &KeyInfo{ID: HashKey(rawKey)[:12], RateLimit: s.rateLimit}, nil
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}
