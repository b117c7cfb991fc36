package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for API clients.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new client store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create registers a new client and returns the stored record.
func (s *Store) Create(ctx context.Context, in CreateClientInput) (*Client, error) {
	c := &Client{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO clients (id, name, api_key_hash, api_key_prefix, rate_limit)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, name, api_key_hash, api_key_prefix, rate_limit, created_at, last_used_at`,
		uuid.NewString(), in.Name, in.APIKeyHash, in.APIKeyPrefix, in.RateLimit,
	).Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimit, &c.CreatedAt, &c.LastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return c, nil
}

// List returns all clients, newest first. The fleet of callers is small, so
// there is no pagination here.
func (s *Store) List(ctx context.Context) ([]*Client, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, api_key_hash, api_key_prefix, rate_limit, created_at, last_used_at
		 FROM clients
		 ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c := &Client{}
		if err := rows.Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimit, &c.CreatedAt, &c.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scanning client row: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating client rows: %w", err)
	}
	return clients, nil
}

// GetByKeyHash retrieves a client by its API key hash, used for
// authentication.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Client, error) {
	c := &Client{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, api_key_hash, api_key_prefix, rate_limit, created_at, last_used_at
		 FROM clients WHERE api_key_hash = $1`,
		hash,
	).Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimit, &c.CreatedAt, &c.LastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("getting client by key hash: %w", err)
	}
	return c, nil
}

// Delete removes a client, revoking its key.
func (s *Store) Delete(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// TouchLastUsed stamps the client's last successful authentication. Called
// off the request path; failures are harmless.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE clients SET last_used_at = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("touching client last_used_at: %w", err)
	}
	return nil
}
