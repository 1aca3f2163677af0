// Package contacts is the identity-resolver leaf service (spec §3 Contact).
// It maps a (platform, external_id) pair to a durable contact with an
// ordered alias list whose first entry is the display name.
package contacts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no contact matches the lookup.
var ErrNotFound = errors.New("contacts: not found")

// Contact is the resolved identity record.
type Contact struct {
	ID        string
	Aliases   []string // ordered; Aliases[0] is the display name
	CreatedAt time.Time
}

// DisplayName returns the first alias, or "" if the contact has none.
func (c Contact) DisplayName() string {
	if len(c.Aliases) == 0 {
		return ""
	}
	return c.Aliases[0]
}

// Store persists contacts and their platform identities.
type Store interface {
	Init(ctx context.Context) error
	// Resolve returns the contact bound to (platform, externalID), if any.
	Resolve(ctx context.Context, platform, externalID string) (Contact, error)
	// EnsurePlaceholder creates a contact for (platform, externalID) with a
	// single alias (the externalID itself) when none exists yet, used for
	// unauthenticated API/flow identities per spec §4.5 step 1.
	EnsurePlaceholder(ctx context.Context, platform, externalID string) (Contact, error)
	// Link attaches a new (platform, externalID) pair to an existing contact.
	Link(ctx context.Context, contactID, platform, externalID string) error
}

// PostgresStore is the Postgres-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS contacts (
    id UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS contact_aliases (
    contact_id UUID NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    alias TEXT NOT NULL,
    PRIMARY KEY (contact_id, position)
);

CREATE TABLE IF NOT EXISTS contact_identities (
    platform TEXT NOT NULL,
    external_id TEXT NOT NULL,
    contact_id UUID NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    PRIMARY KEY (platform, external_id)
);
`)
	return err
}

func (s *PostgresStore) loadAliases(ctx context.Context, contactID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT alias FROM contact_aliases WHERE contact_id = $1 ORDER BY position ASC`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Resolve(ctx context.Context, platform, externalID string) (Contact, error) {
	row := s.pool.QueryRow(ctx, `
SELECT c.id, c.created_at
FROM contacts c
JOIN contact_identities i ON i.contact_id = c.id
WHERE i.platform = $1 AND i.external_id = $2`, platform, externalID)
	var c Contact
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, err
	}
	aliases, err := s.loadAliases(ctx, c.ID)
	if err != nil {
		return Contact{}, err
	}
	c.Aliases = aliases
	return c, nil
}

func (s *PostgresStore) EnsurePlaceholder(ctx context.Context, platform, externalID string) (Contact, error) {
	if existing, err := s.Resolve(ctx, platform, externalID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Contact{}, err
	}

	id := uuid.NewString()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contact{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var createdAt time.Time
	row := tx.QueryRow(ctx, `INSERT INTO contacts (id) VALUES ($1) RETURNING created_at`, id)
	if err := row.Scan(&createdAt); err != nil {
		return Contact{}, err
	}
	alias := strings.TrimSpace(externalID)
	if alias == "" {
		alias = id
	}
	if _, err := tx.Exec(ctx, `INSERT INTO contact_aliases (contact_id, position, alias) VALUES ($1, 0, $2)`, id, alias); err != nil {
		return Contact{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO contact_identities (platform, external_id, contact_id) VALUES ($1, $2, $3)`, platform, externalID, id); err != nil {
		return Contact{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contact{}, err
	}
	return Contact{ID: id, Aliases: []string{alias}, CreatedAt: createdAt}, nil
}

func (s *PostgresStore) Link(ctx context.Context, contactID, platform, externalID string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO contact_identities (platform, external_id, contact_id)
VALUES ($1, $2, $3)
ON CONFLICT (platform, external_id) DO UPDATE SET contact_id = EXCLUDED.contact_id`, platform, externalID, contactID)
	return err
}
