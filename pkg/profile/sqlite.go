package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/glowdesk/concierge/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	tenant        TEXT NOT NULL,
	channel       TEXT NOT NULL,
	address       TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	visit_summary TEXT NOT NULL DEFAULT '',
	preferences   TEXT NOT NULL DEFAULT '{}',
	visit_count   INTEGER NOT NULL DEFAULT 0,
	last_visit_at TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant, channel, address)
);
`

// SQLiteStore is the SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite profile store at dsn.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open profile db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate profile db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Find(ctx context.Context, sender domain.Sender) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT display_name, visit_summary, preferences, visit_count, last_visit_at, updated_at
		FROM profiles WHERE tenant = ? AND channel = ? AND address = ?`,
		sender.Tenant, string(sender.Channel), sender.Address)

	var (
		p         Profile
		prefsJSON string
		lastVisit sql.NullTime
	)
	err := row.Scan(&p.DisplayName, &p.VisitSummary, &prefsJSON, &p.VisitCount, &lastVisit, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile %s: %w", sender.Key(), err)
	}

	p.Sender = sender
	if lastVisit.Valid {
		p.LastVisitAt = lastVisit.Time
	}
	if prefsJSON != "" {
		if err := json.Unmarshal([]byte(prefsJSON), &p.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences for %s: %w", sender.Key(), err)
		}
	}
	return &p, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, p *Profile) error {
	prefs := p.Preferences
	if prefs == nil {
		prefs = map[string]string{}
	}
	prefsJSON, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	var lastVisit interface{}
	if !p.LastVisitAt.IsZero() {
		lastVisit = p.LastVisitAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (tenant, channel, address, display_name, visit_summary, preferences, visit_count, last_visit_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, channel, address) DO UPDATE SET
			display_name = excluded.display_name,
			visit_summary = excluded.visit_summary,
			preferences = excluded.preferences,
			visit_count = excluded.visit_count,
			last_visit_at = excluded.last_visit_at,
			updated_at = excluded.updated_at`,
		p.Sender.Tenant, string(p.Sender.Channel), p.Sender.Address,
		p.DisplayName, p.VisitSummary, string(prefsJSON), p.VisitCount, lastVisit, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.Sender.Key(), err)
	}
	return nil
}

// Compile-time verification
var _ Store = (*SQLiteStore)(nil)
