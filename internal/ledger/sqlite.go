// internal/ledger/sqlite.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gatekeeper-go/internal/gatekeeper"
)

// SQLite persists the vault as a single CBOR snapshot row plus an
// append-only events table. Commit writes both in one transaction.
type SQLite struct {
	db    *sql.DB
	codec *Codec
}

// OpenSQLite opens (or creates) the ledger database at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	codec, err := NewCodec()
	if err != nil {
		db.Close()
		return nil, err
	}
	l := &SQLite{db: db, codec: codec}
	if err := l.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create ledger schema: %w", err)
	}
	return l, nil
}

func (l *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vault_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state_nonce INTEGER NOT NULL,
		snapshot BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		time DATETIME NOT NULL,
		payload BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_name
		ON events(name);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLite) Close() error {
	return l.db.Close()
}

func (l *SQLite) Load(ctx context.Context) (*gatekeeper.State, error) {
	var snapshot []byte
	err := l.db.QueryRowContext(ctx, "SELECT snapshot FROM vault_state WHERE id = 1").Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return gatekeeper.NewState(), nil
	}
	if err != nil {
		return nil, err
	}
	return l.codec.DecodeState(snapshot)
}

func (l *SQLite) Commit(ctx context.Context, at time.Time, state *gatekeeper.State, records []gatekeeper.Record) error {
	snapshot, err := l.codec.EncodeState(state)
	if err != nil {
		return fmt.Errorf("could not encode state: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO vault_state (id, state_nonce, snapshot, updated_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state_nonce = excluded.state_nonce,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		state.StateNonce, snapshot, at.UTC(),
	)
	if err != nil {
		return err
	}

	var last uint64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&last); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO events (seq, name, time, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range records {
		payload, err := l.codec.EncodeEvent(r.Event)
		if err != nil {
			return fmt.Errorf("could not encode %s: %w", r.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, last+uint64(i)+1, r.Name, r.Time.UTC(), payload); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (l *SQLite) Events(ctx context.Context, from uint64) ([]gatekeeper.Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, name, time, payload
		 FROM events
		 WHERE seq >= ?
		 ORDER BY seq`,
		from,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []gatekeeper.Record
	for rows.Next() {
		var (
			r       gatekeeper.Record
			payload []byte
		)
		if err := rows.Scan(&r.Seq, &r.Name, &r.Time, &payload); err != nil {
			return nil, err
		}
		r.Time = r.Time.UTC()
		if r.Event, err = l.codec.DecodeEvent(r.Name, payload); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
