// Package journal records watch events in a WAL-mode SQLite database so the
// history survives restarts and can be served over the status API.
//
// The database is opened with PRAGMA journal_mode = WAL so that the status
// API can read while watch workers write. All writes go through one
// connection.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Event kinds.
const (
	KindAppeared    = "appeared"
	KindModified    = "modified"
	KindDisappeared = "disappeared"
	KindRestarted   = "restarted"
	KindReloadError = "reload_error"
	KindUserConfig  = "user_config_changed"
)

// Entry is one recorded event.
type Entry struct {
	// ID is a UUID; Record assigns one when empty.
	ID string `json:"id"`
	// Watch is the configured watch name.
	Watch string `json:"watch"`
	// Kind is one of the Kind* constants.
	Kind string `json:"kind"`
	// Path is the resolved file the event is about, if any.
	Path string `json:"path,omitempty"`
	// Time is when the event happened; Record uses the current time when
	// zero.
	Time   time.Time      `json:"time"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Journal is a SQLite-backed event log. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. If
// path is ":memory:", an in-memory database is used.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// One connection: SQLite has a single writer, and an in-memory database
	// only exists on the connection that created it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS watch_events (
    seq     INTEGER PRIMARY KEY AUTOINCREMENT,
    id      TEXT    NOT NULL UNIQUE,
    watch   TEXT    NOT NULL,
    kind    TEXT    NOT NULL,
    path    TEXT    NOT NULL DEFAULT '',
    ts      TEXT    NOT NULL,
    detail  TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_watch_events_watch
    ON watch_events (watch, seq);
`

// Record stores e.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("journal: marshal detail: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO watch_events (id, watch, kind, path, ts, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Watch,
		e.Kind,
		e.Path,
		e.Time.UTC().Format(time.RFC3339Nano),
		string(detail),
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. If limit <= 0, Recent
// returns nil without querying the database.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, watch, kind, path, ts, detail
		 FROM   watch_events
		 ORDER  BY seq DESC
		 LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			tsStr     string
			detailStr string
		)
		if err := rows.Scan(&e.ID, &e.Watch, &e.Kind, &e.Path, &tsStr, &detailStr); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}
		e.Time = parseTime(tsStr)
		// A malformed detail leaves a nil map rather than failing the read.
		if err := json.Unmarshal([]byte(detailStr), &e.Detail); err != nil {
			e.Detail = nil
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return entries, nil
}

// CountByWatch returns the number of recorded entries per watch name.
func (j *Journal) CountByWatch(ctx context.Context) (map[string]int64, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT watch, COUNT(*) FROM watch_events GROUP BY watch`)
	if err != nil {
		return nil, fmt.Errorf("journal: count query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			watch string
			n     int64
		)
		if err := rows.Scan(&watch, &n); err != nil {
			return nil, fmt.Errorf("journal: count scan: %w", err)
		}
		counts[watch] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: count rows: %w", err)
	}
	return counts, nil
}

// Close closes the database. The journal must not be used afterwards.
func (j *Journal) Close() error {
	return j.db.Close()
}
