package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Client represents an authenticated API client (a server-side caller such as
// the app backend or the store-webhook relay).
type Client struct {
	ID        string
	Name      string
	RateLimit int
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 10 characters of the plaintext key
}

// ClientLookup is the interface for retrieving clients by their key hash.
type ClientLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Client, error)
}

// LastUsedToucher stamps a client's last successful authentication. It is
// called off the request path.
type LastUsedToucher interface {
	TouchLastUsed(ctx context.Context, id string) error
}

// MetricsRecorder counts authentication outcomes. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	IncAuthFailure(authType string)
	IncAuthSuccess(authType string)
}

// Service provides authentication operations backed by a client store. touch
// and metrics may be nil.
type Service struct {
	store   ClientLookup
	touch   LastUsedToucher
	metrics MetricsRecorder
}

// NewService creates a new authentication service.
func NewService(store ClientLookup, touch LastUsedToucher, metrics MetricsRecorder) *Service {
	return &Service{store: store, touch: touch, metrics: metrics}
}

// GenerateAPIKey creates a new API key with the "vn_" prefix followed by 32
// URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key. The plaintext is shown once
// and never stored.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	random := base64.RawURLEncoding.EncodeToString(b)
	plaintext := "vn_" + random

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:10],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// HashAdminKey returns the bcrypt hash of an admin key, for the
// auth.admin_key_hash config setting.
func HashAdminKey(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(h), nil
}

// VerifyAdminKey checks a presented admin key against the configured
// credential. A bcrypt hash takes precedence over a plaintext key; when
// neither is configured every key is rejected.
func VerifyAdminKey(presented, key, keyHash string) bool {
	if presented == "" {
		return false
	}
	if keyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(presented)) == nil
	}
	if key != "" {
		return subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1
	}
	return false
}
