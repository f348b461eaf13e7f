package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"streamsink/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS committables (
	commit_id TEXT PRIMARY KEY,
	checkpoint_id INTEGER NOT NULL,
	producer_id INTEGER NOT NULL,
	sequence_no INTEGER NOT NULL,
	payload BLOB NOT NULL,
	persisted_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_committables_checkpoint ON committables(checkpoint_id);

CREATE TABLE IF NOT EXISTS applied_commits (
	commit_id TEXT PRIMARY KEY,
	applied_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS completed_checkpoints (
	checkpoint_id INTEGER PRIMARY KEY,
	source_position INTEGER NOT NULL,
	completed_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS component_state (
	component_id TEXT NOT NULL,
	checkpoint_id INTEGER NOT NULL,
	state BLOB NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (component_id, checkpoint_id)
);
`

// Store is the sqlite-backed Backend. One database file holds the pending
// committables, the applied-commit ledger and checkpoint positions, so a
// restarted process sees exactly what the crashed one persisted.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("backend sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir backend dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open backend db: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma failed (%s): %w", p, err)
		}
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create backend schema: %w", err)
	}
	return nil
}

func (s *Store) PersistCommittables(ctx context.Context, committables []domain.Committable) error {
	if len(committables) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	for _, c := range committables {
		_, err := tx.ExecContext(ctx, `
INSERT INTO committables(commit_id, checkpoint_id, producer_id, sequence_no, payload, persisted_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(commit_id) DO NOTHING`,
			c.CommitID(), int64(c.CheckpointID), c.ProducerID, c.SequenceNo, c.Payload, now)
		if err != nil {
			return fmt.Errorf("persist committable %s: %w", c.CommitID(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persist tx: %w", err)
	}
	return nil
}

func (s *Store) PendingCommittables(ctx context.Context) ([]domain.Committable, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.checkpoint_id, c.producer_id, c.sequence_no, c.payload
FROM committables c
LEFT JOIN applied_commits a ON a.commit_id = c.commit_id
WHERE a.commit_id IS NULL
ORDER BY c.checkpoint_id, c.producer_id, c.sequence_no`)
	if err != nil {
		return nil, fmt.Errorf("query pending committables: %w", err)
	}
	defer rows.Close()

	var out []domain.Committable
	for rows.Next() {
		var (
			checkpointID int64
			c            domain.Committable
		)
		if err := rows.Scan(&checkpointID, &c.ProducerID, &c.SequenceNo, &c.Payload); err != nil {
			return nil, fmt.Errorf("scan committable: %w", err)
		}
		c.CheckpointID = domain.CheckpointID(checkpointID)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate committables: %w", err)
	}
	return out, nil
}

func (s *Store) DiscardAbove(ctx context.Context, restored domain.CheckpointID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM committables WHERE checkpoint_id > ?`, int64(restored))
	if err != nil {
		return fmt.Errorf("discard committables above checkpoint %s: %w", restored, err)
	}
	return nil
}

func (s *Store) MarkApplied(ctx context.Context, commitID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO applied_commits(commit_id, applied_at_utc_ns) VALUES (?, ?)
ON CONFLICT(commit_id) DO NOTHING`,
		commitID, at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("mark applied %s: %w", commitID, err)
	}
	return nil
}

func (s *Store) Applied(ctx context.Context, commitID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM applied_commits WHERE commit_id = ?`, commitID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query applied %s: %w", commitID, err)
	}
	return true, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id domain.CheckpointID, sourcePos int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO completed_checkpoints(checkpoint_id, source_position, completed_at_utc_ns) VALUES (?, ?, ?)
ON CONFLICT(checkpoint_id) DO UPDATE SET source_position = excluded.source_position`,
		int64(id), sourcePos, at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("mark completed checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *Store) LatestCompleted(ctx context.Context) (domain.CheckpointID, int64, bool, error) {
	var (
		id  int64
		pos int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT checkpoint_id, source_position FROM completed_checkpoints
ORDER BY checkpoint_id DESC LIMIT 1`).Scan(&id, &pos)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("query latest completed checkpoint: %w", err)
	}
	return domain.CheckpointID(id), pos, true, nil
}

func (s *Store) PruneCheckpoint(ctx context.Context, id domain.CheckpointID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM committables WHERE checkpoint_id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("prune checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *Store) PersistState(ctx context.Context, componentID string, checkpointID domain.CheckpointID, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO component_state(component_id, checkpoint_id, state, updated_at_utc_ns) VALUES (?, ?, ?, ?)
ON CONFLICT(component_id, checkpoint_id) DO UPDATE SET state = excluded.state, updated_at_utc_ns = excluded.updated_at_utc_ns`,
		componentID, int64(checkpointID), state, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("persist state for %s: %w", componentID, err)
	}
	return nil
}

func (s *Store) RestoreState(ctx context.Context, componentID string, checkpointID domain.CheckpointID) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
SELECT state FROM component_state WHERE component_id = ? AND checkpoint_id = ?`,
		componentID, int64(checkpointID)).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("restore state for %s: %w", componentID, err)
	}
	return state, true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
