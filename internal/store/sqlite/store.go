// Package sqlite persists per-session resumption state (the last
// response sequence and event index a session has confirmed) so a
// client can reconnect after a crash without replaying the whole
// event log from scratch. The database is opened in WAL mode with
// synchronous=FULL, foreign keys on and a 5s busy timeout.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_checkpoints (
	session_id TEXT PRIMARY KEY,
	response_sequence INTEGER NOT NULL,
	event_index INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);
`

// Checkpoint is the resumable state for one session.
type Checkpoint struct {
	SessionID        string
	ResponseSequence uint64
	EventIndex       uint64
	UpdatedAtUTCNs   int64
}

type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply session store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Save upserts the checkpoint for a session. It is monotonic: a save
// with an older response sequence than what's stored is a no-op,
// since resumption should never rewind a session backwards.
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_checkpoints(session_id, response_sequence, event_index, updated_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	response_sequence=excluded.response_sequence,
	event_index=excluded.event_index,
	updated_at_utc_ns=excluded.updated_at_utc_ns
WHERE excluded.response_sequence >= session_checkpoints.response_sequence`,
		cp.SessionID, int64(cp.ResponseSequence), int64(cp.EventIndex), cp.UpdatedAtUTCNs)
	return err
}

func (s *Store) Load(ctx context.Context, sessionID string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, response_sequence, event_index, updated_at_utc_ns
FROM session_checkpoints WHERE session_id=?`, sessionID)
	var cp Checkpoint
	var respSeq, eventIndex int64
	err := row.Scan(&cp.SessionID, &respSeq, &eventIndex, &cp.UpdatedAtUTCNs)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	cp.ResponseSequence = uint64(respSeq)
	cp.EventIndex = uint64(eventIndex)
	return cp, true, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_checkpoints WHERE session_id=?`, sessionID)
	return err
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
