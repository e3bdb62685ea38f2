package tracker

import (
	"database/sql"
	"encoding/json"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"github.com/masurp/travelgram-tracking/internal/event"
)

// retention is the always-on local copy of recent events: a sliding
// window of the most recent entries, optionally mirrored into a sqlite
// file so a copy survives process restarts. The persisted copy is
// best-effort; write failures are logged and otherwise ignored. It is
// never uploaded automatically.
type retention struct {
	cap    int
	events []event.Event
	db     *sql.DB
}

// newRetention builds the retention window. An empty path keeps the copy
// in memory only. A sqlite open failure degrades to memory-only rather
// than failing the tracker.
func newRetention(capacity int, path string) *retention {
	r := &retention{cap: capacity}
	if path == "" {
		return r
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Retention file unavailable, keeping events in memory only")
		return r
	}

	schema := `
	CREATE TABLE IF NOT EXISTS retained_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		action     TEXT NOT NULL,
		username   TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		log.Warn().Err(err).Msg("Retention schema init failed, keeping events in memory only")
		db.Close()
		return r
	}

	r.db = db
	return r
}

// add appends the event, evicting the oldest entry once the window is
// full. Callers hold the tracker mutex.
func (r *retention) add(ev event.Event) {
	r.events = append(r.events, ev)
	if len(r.events) > r.cap {
		r.events = r.events[len(r.events)-r.cap:]
	}

	if r.db == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// created_at mirrors the event's own stamp so the row agrees with the
	// tracker clock that assigned it.
	if _, err := r.db.Exec(
		`INSERT INTO retained_events (action, username, payload, created_at) VALUES (?, ?, ?, ?)`,
		ev.Action, ev.Username, string(payload), ev.Timestamp,
	); err != nil {
		log.Debug().Err(err).Msg("Retention insert failed")
		return
	}
	// Keep the persisted copy at the same window size.
	if _, err := r.db.Exec(
		`DELETE FROM retained_events WHERE id NOT IN (SELECT id FROM retained_events ORDER BY id DESC LIMIT ?)`,
		r.cap,
	); err != nil {
		log.Debug().Err(err).Msg("Retention prune failed")
	}
}

// snapshot copies the current window, oldest first.
func (r *retention) snapshot() []event.Event {
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *retention) close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}
