package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corvohq/batchrun/internal/batch"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	driver     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	record     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_created ON batch_jobs(created_at, id);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status, created_at);
`

// SQLiteStore keeps job records in a single SQLite table at dataDir/batchrun.db.
// Writes go through a single connection; reads use their own pool.
type SQLiteStore struct {
	write *sql.DB
	read  *sql.DB
}

func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	path := filepath.Join(dataDir, "batchrun.db")
	write, err := openSQLiteConn(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite write connection: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := openSQLiteConn(path)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open sqlite read connection: %w", err)
	}
	read.SetMaxOpenConns(8)
	read.SetConnMaxLifetime(5 * time.Minute)

	if _, err := write.Exec(sqliteSchema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{write: write, read: read}, nil
}

// openSQLiteConn applies the pragmas through the DSN so every pooled
// connection gets them.
func openSQLiteConn(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *SQLiteStore) Close() error {
	werr := s.write.Close()
	if err := s.read.Close(); err != nil {
		return err
	}
	return werr
}

func (s *SQLiteStore) Save(ctx context.Context, job *batch.Job) error {
	enc, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO batch_jobs (id, status, driver, created_at, updated_at, record) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Status, job.Driver, timeToNs(job.CreatedAt), timeToNs(job.UpdatedAt), enc,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context, jobID string) (*batch.Job, error) {
	var rec []byte
	err := s.read.QueryRowContext(ctx, "SELECT record FROM batch_jobs WHERE id = ?", jobID).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, batch.NewNotFoundError(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	job, err := decodeJob(rec)
	if err != nil {
		return nil, batch.NewMalformedJobError(jobID, "decode job record", err)
	}
	return job, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.write.ExecContext(ctx, "DELETE FROM batch_jobs WHERE id = ?", jobID)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*batch.Job, error) {
	query := "SELECT record FROM batch_jobs WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Driver != "" {
		query += " AND driver = ?"
		args = append(args, f.Driver)
	}
	if !f.CreatedBefore.IsZero() {
		query += " AND created_at < ?"
		args = append(args, f.CreatedBefore.UnixNano())
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*batch.Job
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		job, err := decodeJob(rec)
		if err != nil {
			return nil, fmt.Errorf("decode job record: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
