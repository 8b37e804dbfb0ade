// Package journal persists emitted ActionDescriptors. It sits behind
// the core.ActionSink interface so the evaluation path never knows or
// cares whether descriptors land in SQLite, a buffer, or nowhere.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/chatwarden/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS actions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  creator_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  trigger_id TEXT NOT NULL,
  action_type TEXT NOT NULL,
  payload_json TEXT NOT NULL DEFAULT '{}',
  emitted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_emitted_at ON actions (emitted_at);`

type SQLiteJournal struct {
	db *sql.DB
}

const defaultListLimit = 100

func OpenSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if os.Getenv("CW_SQLITE_TUNING") == "1" {
		applyTuning(db)
	}
	return &SQLiteJournal{db: db}, nil
}

// tuningPragmas trade durability for write throughput on busy rosters.
// Opt-in via CW_SQLITE_TUNING=1; the WAL baseline above is always set.
var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA wal_autocheckpoint=1000",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA mmap_size=268435456",
}

// applyTuning is best effort: a rejected pragma is logged and skipped, the
// journal stays usable on its baseline settings.
func applyTuning(db *sql.DB) {
	for _, p := range tuningPragmas {
		var result sql.NullString
		switch err := db.QueryRow(p).Scan(&result); {
		case err == nil:
			log.Printf("journal: %s -> %s", p, result.String)
		case errors.Is(err, sql.ErrNoRows):
			if _, err := db.Exec(p); err != nil {
				log.Printf("journal: %s: %v", p, err)
			}
		default:
			log.Printf("journal: %s: %v", p, err)
		}
	}
}

func (j *SQLiteJournal) Close() error { return j.db.Close() }

func (j *SQLiteJournal) Ping() error { return j.db.Ping() }

func (j *SQLiteJournal) String() string {
	return fmt.Sprintf("SQLiteJournal{%p}", j.db)
}

func (j *SQLiteJournal) Emit(ctx context.Context, d core.ActionDescriptor) error {
	const q = `INSERT INTO actions (creator_id, platform, trigger_id, action_type, payload_json, emitted_at)
VALUES (?, ?, ?, ?, ?, ?);`
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	if len(d.Payload) == 0 {
		payload = []byte("{}")
	}
	ts := d.EmittedAt.UTC().Format(time.RFC3339Nano)
	_, err = j.db.ExecContext(ctx, q, d.CreatorID, string(d.Platform), d.TriggerID, d.ActionType, string(payload), ts)
	return errors.Wrap(err, "insert action")
}

// ListRecent returns the newest descriptors, most recent first.
func (j *SQLiteJournal) ListRecent(ctx context.Context, limit int) ([]core.ActionDescriptor, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `SELECT creator_id, platform, trigger_id, action_type, payload_json, emitted_at
FROM actions ORDER BY seq DESC LIMIT ?;`
	rows, err := j.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list actions")
	}
	defer rows.Close()

	var out []core.ActionDescriptor
	for rows.Next() {
		var (
			d        core.ActionDescriptor
			platform string
			payload  string
			ts       string
		)
		if err := rows.Scan(&d.CreatorID, &platform, &d.TriggerID, &d.ActionType, &payload, &ts); err != nil {
			return nil, errors.Wrap(err, "scan action")
		}
		d.Platform = core.Platform(platform)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &d.Payload); err != nil {
				return nil, errors.Wrap(err, "decode payload")
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.EmittedAt = t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate actions")
	}
	return out, nil
}

// Count reports how many descriptors the journal holds.
func (j *SQLiteJournal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions;`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count actions")
	}
	return n, nil
}
