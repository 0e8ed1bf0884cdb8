package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dwongdev/mydia-relay/internal/crypto"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	platform     TEXT NOT NULL DEFAULT '',
	public_key   BYTEA NOT NULL,
	auth_token   TEXT NOT NULL,
	owner_id     TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ,
	revoked_at   TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS devices_public_key_active
	ON devices (public_key) WHERE revoked_at IS NULL;
CREATE INDEX IF NOT EXISTS devices_owner
	ON devices (owner_id);
`

// PostgresStore persists devices in Postgres via database/sql and the
// pq driver.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool with the given DSN, verifies it
// with a ping and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping device store: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate device store: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (id, display_name, platform, public_key, auth_token, owner_id, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.DisplayName, d.Platform, d.PublicKey[:], d.AuthToken, d.OwnerID,
		d.CreatedAt, nullTime(d.LastSeenAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByPublicKey(ctx context.Context, publicKey [crypto.KeySize]byte) (*Device, error) {
	query := `
		SELECT id, display_name, platform, public_key, auth_token, owner_id, created_at, last_seen_at
		FROM devices
		WHERE public_key = $1 AND revoked_at IS NULL
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, publicKey[:]))
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, display_name, platform, public_key, auth_token, owner_id, created_at, last_seen_at
		FROM devices
		WHERE id = $1 AND revoked_at IS NULL
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Device, error) {
	var d Device
	var key []byte
	var lastSeen sql.NullTime

	err := row.Scan(&d.ID, &d.DisplayName, &d.Platform, &key, &d.AuthToken, &d.OwnerID,
		&d.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("load device %s: stored key is %d bytes", d.ID, len(key))
	}
	copy(d.PublicKey[:], key)
	if lastSeen.Valid {
		d.LastSeenAt = lastSeen.Time
	}
	return &d, nil
}

func (s *PostgresStore) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	return s.updateActive(ctx, "last seen",
		`UPDATE devices SET last_seen_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
}

func (s *PostgresStore) UpdateAuthToken(ctx context.Context, id, token string) error {
	return s.updateActive(ctx, "auth token",
		`UPDATE devices SET auth_token = $2 WHERE id = $1 AND revoked_at IS NULL`, id, token)
}

func (s *PostgresStore) updateActive(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update device %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device %s: %w", what, err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE devices SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Device, error) {
	query := `
		SELECT id, display_name, platform, public_key, auth_token, owner_id, created_at, last_seen_at, revoked_at
		FROM devices
		WHERE owner_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var d Device
		var key []byte
		var lastSeen, revoked sql.NullTime

		if err := rows.Scan(&d.ID, &d.DisplayName, &d.Platform, &key, &d.AuthToken, &d.OwnerID,
			&d.CreatedAt, &lastSeen, &revoked); err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		copy(d.PublicKey[:], key)
		if lastSeen.Valid {
			d.LastSeenAt = lastSeen.Time
		}
		if revoked.Valid {
			d.RevokedAt = revoked.Time
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// pq reports unique violations with SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
