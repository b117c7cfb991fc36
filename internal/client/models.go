package client

import "time"

// Client is a server-side caller of the ledger API: the app backend, the
// store-webhook relay, internal tooling. End users never hold keys.
type Client struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	APIKeyHash   string     `json:"-"`
	APIKeyPrefix string     `json:"api_key_prefix"`
	RateLimit    int        `json:"rate_limit"` // requests per window, 0 means the configured default
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// CreateClientInput holds the fields required to register a new client.
type CreateClientInput struct {
	Name         string `json:"name"`
	APIKeyHash   string `json:"api_key_hash"`
	APIKeyPrefix string `json:"api_key_prefix"`
	RateLimit    int    `json:"rate_limit"`
}
