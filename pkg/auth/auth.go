// Package auth holds the API keys the analysis gateway accepts
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
	ErrKeyExpired = errors.New("api key expired")
)

// KeyInfo describes one accepted key. Only the bcrypt hash is kept.
type KeyInfo struct {
	ID        string    `json:"id" yaml:"id" mapstructure:"id"`
	Hash      string    `json:"hash" yaml:"hash" mapstructure:"hash"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at" mapstructure:"created_at"`
	ExpiresAt time.Time `json:"expiresAt,omitempty" yaml:"expires_at,omitempty" mapstructure:"expires_at"`
}

// KeyRing validates bearer keys against stored hashes
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]KeyInfo // id -> info
	now  func() time.Time
}

// NewKeyRing creates a key ring seeded with pre-hashed keys
func NewKeyRing(keys ...KeyInfo) *KeyRing {
	kr := &KeyRing{keys: make(map[string]KeyInfo), now: time.Now}
	for _, k := range keys {
		kr.keys[k.ID] = k
	}
	return kr
}

// Generate creates a new key for id. The plaintext is returned once; ttl 0
// means the key never expires.
func (kr *KeyRing) Generate(id string, ttl time.Duration) (string, KeyInfo, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", KeyInfo{}, fmt.Errorf("failed to generate api key: %w", err)
	}
	key := id + "." + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", KeyInfo{}, fmt.Errorf("failed to hash api key: %w", err)
	}

	info := KeyInfo{ID: id, Hash: string(hash), CreatedAt: kr.now()}
	if ttl > 0 {
		info.ExpiresAt = info.CreatedAt.Add(ttl)
	}

	kr.mu.Lock()
	kr.keys[id] = info
	kr.mu.Unlock()
	return key, info, nil
}

// Validate checks key and returns the id it belongs to. Keys carry their id
// as a prefix so only one hash is compared.
func (kr *KeyRing) Validate(key string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}
	id, _, ok := strings.Cut(key, ".")
	if !ok {
		return "", ErrInvalidKey
	}

	kr.mu.RLock()
	info, found := kr.keys[id]
	kr.mu.RUnlock()
	if !found {
		return "", ErrInvalidKey
	}
	if !info.ExpiresAt.IsZero() && kr.now().After(info.ExpiresAt) {
		return "", ErrKeyExpired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(info.Hash), []byte(key)); err != nil {
		return "", ErrInvalidKey
	}
	return id, nil
}

// Revoke removes the key for id
func (kr *KeyRing) Revoke(id string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.keys, id)
}

// CleanupExpired drops expired keys and returns how many were removed
func (kr *KeyRing) CleanupExpired() int {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	now := kr.now()
	removed := 0
	for id, info := range kr.keys {
		if !info.ExpiresAt.IsZero() && now.After(info.ExpiresAt) {
			delete(kr.keys, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of keys held
func (kr *KeyRing) Len() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.keys)
}

// KeyFromRequest extracts the key from a Bearer header or X-API-Key
func KeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
