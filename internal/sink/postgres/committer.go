package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"streamsink/internal/domain"
	"streamsink/internal/sink"
)

const schema = `
CREATE TABLE IF NOT EXISTS committed_output (
	commit_id     TEXT PRIMARY KEY,
	checkpoint_id BIGINT NOT NULL,
	payload       TEXT NOT NULL,
	committed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS committed_output_checkpoint_idx ON committed_output (checkpoint_id);
`

const insertCommitted = `
INSERT INTO committed_output (commit_id, checkpoint_id, payload)
VALUES ($1, $2, $3)
ON CONFLICT (commit_id) DO NOTHING
`

type Config struct {
	DSN          string
	MaxOpenConns int
	ConnTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 8
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 10 * time.Second
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	return nil
}

// Committer writes committables into a keyed table. The primary key on
// commit_id makes redelivered inserts no-ops, so the table itself enforces
// once-per-id application regardless of delivery semantics.
type Committer struct {
	db *sql.DB
}

func NewCommitter(cfg Config) (*Committer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Committer{db: db}, nil
}

// Commit inserts the whole batch in one transaction: either every request in
// it lands or none, and redelivery retries the full batch.
func (c *Committer) Commit(ctx context.Context, requests []*domain.CommitRequest) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, req := range requests {
		if _, err := tx.ExecContext(ctx, insertCommitted,
			req.Committable.CommitID(),
			int64(req.Committable.CheckpointID),
			string(req.Committable.Payload),
		); err != nil {
			tx.Rollback()
			retryErr := sink.Retryable(fmt.Errorf("insert %s: %w", req.Committable.CommitID(), err))
			for _, r := range requests {
				if r.Pending() {
					r.RetryLater(retryErr)
				}
			}
			return retryErr
		}
	}
	if err := tx.Commit(); err != nil {
		return sink.Retryable(fmt.Errorf("commit tx: %w", err))
	}
	for _, req := range requests {
		req.MarkCommitted()
	}
	return nil
}

// Committed returns the stored payloads for verification, in insert order of
// commit id within each checkpoint.
func (c *Committer) Committed(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT payload FROM committed_output ORDER BY checkpoint_id, commit_id`)
	if err != nil {
		return nil, fmt.Errorf("query committed output: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Committer) Close() error {
	return c.db.Close()
}

// GlobalCommitter stores checkpoint aggregates in the same table under their
// global commit ids.
type GlobalCommitter struct {
	committer *Committer
}

func NewGlobalCommitter(committer *Committer) *GlobalCommitter {
	return &GlobalCommitter{committer: committer}
}

func (g *GlobalCommitter) Combine(id domain.CheckpointID, committables []domain.Committable) (domain.GlobalCommittable, error) {
	return sink.CombineSorted(id, committables)
}

func (g *GlobalCommitter) Commit(ctx context.Context, requests []*domain.GlobalCommitRequest) error {
	for _, req := range requests {
		if _, err := g.committer.db.ExecContext(ctx, insertCommitted,
			req.Committable.CommitID(),
			int64(req.Committable.CheckpointID),
			string(req.Committable.Payload),
		); err != nil {
			retryErr := sink.Retryable(fmt.Errorf("insert global commit %s: %w", req.Committable.CommitID(), err))
			req.RetryLater(retryErr)
			return retryErr
		}
		req.MarkCommitted()
	}
	return nil
}

func (g *GlobalCommitter) EndOfInput(ctx context.Context) error {
	if _, err := g.committer.db.ExecContext(ctx, insertCommitted,
		"global/end-of-input",
		int64(domain.FinalCheckpointID),
		sink.EndOfInputMarker,
	); err != nil {
		return fmt.Errorf("insert end of input: %w", err)
	}
	return nil
}
