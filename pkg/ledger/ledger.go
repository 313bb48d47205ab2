// Package ledger keeps a durable sqlite log of every submission attempt
// across runs.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"github.com/3leaps/qsweep/pkg/job"
)

const SchemaVersion = 1

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// Ledger records submissions. It is safe for concurrent use.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Entry is one recorded submission.
type Entry struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Value     float64   `json:"value"`
	Tag       string    `json:"tag"`
	JobName   string    `json:"job_name,omitempty"`
	Artifact  string    `json:"artifact,omitempty"`
	OK        bool      `json:"ok"`
	JobID     string    `json:"job_id,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Output    string    `json:"output,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Open opens (and creates if needed) the ledger at path and migrates it.
func Open(ctx context.Context, path string) (*Ledger, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// One connection: serialises writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if dsn != MemoryPath {
		if err := configure(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", errors.New("ledger path is required")
	case path == MemoryPath:
		return path, nil
	case strings.HasPrefix(path, "file:"):
		return path, nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create ledger directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Migrate creates the ledger schema in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS submissions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			point_index INTEGER NOT NULL,
			value       REAL NOT NULL,
			tag         TEXT NOT NULL,
			job_name    TEXT,
			artifact    TEXT,
			ok          INTEGER NOT NULL,
			job_id      TEXT,
			code        TEXT,
			message     TEXT,
			output      TEXT,
			created_at  TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_run ON submissions(run_id, point_index);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_job ON submissions(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends one submission outcome.
func (l *Ledger) Record(ctx context.Context, runID string, res job.SubmissionResult) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO submissions
			(run_id, point_index, value, tag, job_name, artifact, ok, job_id, code, message, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Index, res.Value, res.Tag, res.JobName, res.Artifact, res.OK,
		res.JobID, res.Code, res.Message, res.Output, l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record submission %s/%s: %w", runID, res.Tag, err)
	}
	return nil
}

// Query filters ledger entries. Zero values match everything.
type Query struct {
	RunID      string
	FailedOnly bool
	Limit      int
}

// Entries returns matching submissions, newest run last and points in
// index order within a run.
func (l *Ledger) Entries(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.FailedOnly {
		where = append(where, "ok = 0")
	}
	stmt := `SELECT run_id, point_index, value, tag, job_name, artifact, ok, job_id, code, message, output, created_at
		FROM submissions`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY id"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var jobName, artifact, jobID, code, msg, outp sql.NullString
		var created string
		if err := rows.Scan(&e.RunID, &e.Index, &e.Value, &e.Tag, &jobName, &artifact, &e.OK,
			&jobID, &code, &msg, &outp, &created); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		e.JobName, e.Artifact, e.JobID = jobName.String, artifact.String, jobID.String
		e.Code, e.Message, e.Output = code.String, msg.String, outp.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindJob returns the submission that produced a scheduler job id.
func (l *Ledger) FindJob(ctx context.Context, jobID string) (*Entry, error) {
	var e Entry
	var created string
	err := l.db.QueryRowContext(ctx, `
		SELECT run_id, point_index, value, tag, COALESCE(job_name, ''), COALESCE(artifact, ''), created_at
		FROM submissions WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID).
		Scan(&e.RunID, &e.Index, &e.Value, &e.Tag, &e.JobName, &e.Artifact, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", jobID, err)
	}
	e.OK, e.JobID = true, jobID
	if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		e.CreatedAt = ts
	}
	return &e, nil
}
