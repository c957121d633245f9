package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/chatbridge/internal/irc"
	"github.com/vovakirdan/chatbridge/internal/store"
)

// Schema creates the tables used by the store. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS identities (
	application_id TEXT NOT NULL,
	identity_id    TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (application_id, identity_id)
);

CREATE TABLE IF NOT EXISTS identity_channels (
	application_id TEXT NOT NULL,
	identity_id    TEXT NOT NULL,
	channel        TEXT NOT NULL,
	PRIMARY KEY (application_id, identity_id, channel)
);
`

// SQLiteStore implements store.ChannelStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.ChannelStore = (*SQLiteStore)(nil)

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps ":memory:" on one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Channels returns the stored channel names of an identity.
func (s *SQLiteStore) Channels(ctx context.Context, appID, identityID string) ([]string, error) {
	query := `
		SELECT channel
		FROM identity_channels
		WHERE application_id = ? AND identity_id = ?
		ORDER BY channel
	`
	rows, err := s.db.QueryContext(ctx, query, appID, identityID)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	channels := []string{}
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// SetChannels replaces the stored channel list inside one transaction.
func (s *SQLiteStore) SetChannels(ctx context.Context, appID, identityID string, channels []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertIdentity(ctx, tx, appID, identityID, nil); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identity_channels WHERE application_id = ? AND identity_id = ?`,
		appID, identityID,
	); err != nil {
		return fmt.Errorf("clear channels: %w", err)
	}

	for _, ch := range normalize(channels) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identity_channels (application_id, identity_id, channel) VALUES (?, ?, ?)`,
			appID, identityID, ch,
		); err != nil {
			return fmt.Errorf("insert channel %s: %w", ch, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SaveIdentity records the display name of an identity.
func (s *SQLiteStore) SaveIdentity(ctx context.Context, appID, identityID, name string) error {
	return upsertIdentity(ctx, s.db, appID, identityID, &name)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertIdentity(ctx context.Context, db execer, appID, identityID string, name *string) error {
	var err error
	if name == nil {
		_, err = db.ExecContext(ctx, `
			INSERT INTO identities (application_id, identity_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (application_id, identity_id) DO UPDATE SET updated_at = excluded.updated_at
		`, appID, identityID, time.Now().UTC())
	} else {
		_, err = db.ExecContext(ctx, `
			INSERT INTO identities (application_id, identity_id, name, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (application_id, identity_id) DO UPDATE
			SET name = excluded.name, updated_at = excluded.updated_at
		`, appID, identityID, *name, time.Now().UTC())
	}
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// Identity returns the stored record with its channels.
func (s *SQLiteStore) Identity(ctx context.Context, appID, identityID string) (*store.IdentityRecord, error) {
	rec := &store.IdentityRecord{ApplicationID: appID, IdentityID: identityID}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, updated_at
		FROM identities
		WHERE application_id = ? AND identity_id = ?
	`, appID, identityID).Scan(&rec.Name, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query identity: %w", err)
	}

	rec.Channels, err = s.Channels(ctx, appID, identityID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteIdentity removes the identity and its channel list.
func (s *SQLiteStore) DeleteIdentity(ctx context.Context, appID, identityID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identity_channels WHERE application_id = ? AND identity_id = ?`,
		appID, identityID,
	); err != nil {
		return fmt.Errorf("delete channels: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identities WHERE application_id = ? AND identity_id = ?`,
		appID, identityID,
	); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return tx.Commit()
}

func normalize(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = irc.ChannelName(ch)
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
