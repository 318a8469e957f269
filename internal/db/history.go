package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lockstep-project/lockstep/internal/events"
)

// SessionRecord is one row of session history. ClosedAt is zero and Reason
// empty while the session is still open.
type SessionRecord struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote"`
	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
}

// Rejection records a peer turned away by admission control.
type Rejection struct {
	ID        int       `json:"id"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore records session lifecycles.
type HistoryStore struct {
	db *Database
}

// NewHistoryStore migrates the history schema in db.
func NewHistoryStore(db *Database) (*HistoryStore, error) {
	hs := &HistoryStore{db: db}
	if err := hs.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hs, nil
}

func (hs *HistoryStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			transport TEXT NOT NULL,
			remote TEXT NOT NULL DEFAULT '',
			opened_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			bytes_in INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS rejections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transport TEXT NOT NULL,
			remote TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_opened_at ON sessions(opened_at);
		CREATE INDEX IF NOT EXISTS idx_rejections_created_at ON rejections(created_at);
	`
	if _, err := hs.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	hs.db.logger.Debug().Msg("history schema migrated")
	return nil
}

// RecordOpened inserts an open session. Recording the same ID twice keeps
// the first row.
func (hs *HistoryStore) RecordOpened(p events.SessionPayload) error {
	opened := p.OpenedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	_, err := hs.db.Exec(
		"INSERT OR IGNORE INTO sessions (id, transport, remote, opened_at) VALUES (?, ?, ?, ?)",
		p.ID, p.Transport, p.Remote, opened.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", p.ID, err)
	}
	return nil
}

// RecordClosed completes the row for a closed session, inserting it when
// the open was never recorded.
func (hs *HistoryStore) RecordClosed(p events.SessionPayload) error {
	closed := p.ClosedAt
	if closed.IsZero() {
		closed = time.Now()
	}
	opened := p.OpenedAt
	if opened.IsZero() {
		opened = closed
	}

	return hs.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE sessions SET closed_at = ?, reason = ?, bytes_in = ?, bytes_out = ? WHERE id = ?",
			closed.UnixMilli(), p.Reason, int64(p.BytesIn), int64(p.BytesOut), p.ID)
		if err != nil {
			return fmt.Errorf("failed to close session %s: %w", p.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(
			`INSERT INTO sessions (id, transport, remote, opened_at, closed_at, reason, bytes_in, bytes_out)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Transport, p.Remote, opened.UnixMilli(), closed.UnixMilli(),
			p.Reason, int64(p.BytesIn), int64(p.BytesOut))
		if err != nil {
			return fmt.Errorf("failed to record closed session %s: %w", p.ID, err)
		}
		return nil
	})
}

// RecordRejected stores an admission rejection.
func (hs *HistoryStore) RecordRejected(p events.RejectedPayload) error {
	_, err := hs.db.Exec(
		"INSERT INTO rejections (transport, remote, reason, created_at) VALUES (?, ?, ?, ?)",
		p.Transport, p.Remote, p.Reason, time.Now().UnixMilli())
	return err
}

// Get returns the record for id.
func (hs *HistoryStore) Get(id string) (SessionRecord, error) {
	row := hs.db.QueryRow(
		`SELECT id, transport, remote, opened_at, closed_at, reason, bytes_in, bytes_out
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// History returns the most recently opened sessions, newest first. A limit
// of zero or less returns at most 100.
func (hs *HistoryStore) History(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := hs.db.Query(
		`SELECT id, transport, remote, opened_at, closed_at, reason, bytes_in, bytes_out
		 FROM sessions ORDER BY opened_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]SessionRecord, 0)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Rejections returns the most recent admission rejections, newest first.
func (hs *HistoryStore) Rejections(limit int) ([]Rejection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := hs.db.Query(
		"SELECT id, transport, remote, reason, created_at FROM rejections ORDER BY created_at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Rejection, 0)
	for rows.Next() {
		var r Rejection
		var created int64
		if err := rows.Scan(&r.ID, &r.Transport, &r.Remote, &r.Reason, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune removes closed sessions and rejections older than age.
func (hs *HistoryStore) Prune(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	var removed int64
	err := hs.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM sessions WHERE closed_at > 0 AND closed_at < ?", cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		_, err = tx.Exec("DELETE FROM rejections WHERE created_at < ?", cutoff)
		return err
	})
	return removed, err
}

// Attach subscribes the store to session lifecycle events on bus.
func (hs *HistoryStore) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventSessionOpened, "history", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.SessionPayload)
		if !ok {
			return nil
		}
		return hs.RecordOpened(p)
	})
	bus.Subscribe(events.EventSessionClosed, "history", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.SessionPayload)
		if !ok {
			return nil
		}
		return hs.RecordClosed(p)
	})
	bus.Subscribe(events.EventSessionRejected, "history", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.RejectedPayload)
		if !ok {
			return nil
		}
		return hs.RecordRejected(p)
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec               SessionRecord
		opened, closed    int64
		bytesIn, bytesOut int64
	)
	if err := row.Scan(&rec.ID, &rec.Transport, &rec.Remote, &opened, &closed, &rec.Reason, &bytesIn, &bytesOut); err != nil {
		return SessionRecord{}, err
	}
	rec.OpenedAt = time.UnixMilli(opened)
	if closed > 0 {
		rec.ClosedAt = time.UnixMilli(closed)
	}
	rec.BytesIn = uint64(bytesIn)
	rec.BytesOut = uint64(bytesOut)
	return rec, nil
}
