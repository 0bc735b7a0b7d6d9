// Package store persists the job queue and operator configuration in a
// single SQLite database shared by both relay processes. Every state
// transition is one SQL statement, so claims are atomic even across
// processes; there are no multi-statement transactions to reason about.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dmrelay/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.JobStore and domain.ConfigStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection per process; WAL lets the two processes interleave.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		job_type           TEXT NOT NULL,
		status             TEXT NOT NULL,
		sender_id          INTEGER NOT NULL DEFAULT 0,
		target_id          INTEGER NOT NULL DEFAULT 0,
		staging_chat_id    INTEGER,
		staging_message_id INTEGER,
		staging_thread_id  INTEGER,
		inbound_content    TEXT,
		outbound_content   TEXT,
		error              TEXT NOT NULL DEFAULT '',
		created_at         DATETIME NOT NULL,
		updated_at         DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status  ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_staging ON jobs(staging_chat_id, staging_message_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_sender  ON jobs(sender_id);

	CREATE TABLE IF NOT EXISTS config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, job_type, status, sender_id, target_id,
	staging_chat_id, staging_message_id, staging_thread_id,
	inbound_content, outbound_content, error, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	inbound, err := marshalPayload(job.Inbound)
	if err != nil {
		return fmt.Errorf("encode inbound content: %w", err)
	}
	outbound, err := marshalPayload(job.Outbound)
	if err != nil {
		return fmt.Errorf("encode outbound content: %w", err)
	}

	var stagingChat, stagingMsg, stagingThread sql.NullInt64
	if job.Staging != nil {
		stagingChat = sql.NullInt64{Int64: job.Staging.ChatID, Valid: true}
		stagingMsg = sql.NullInt64{Int64: int64(job.Staging.MessageID), Valid: true}
		stagingThread = sql.NullInt64{Int64: int64(job.Staging.ThreadID), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Status, job.SenderID, job.TargetID,
		stagingChat, stagingMsg, stagingThread,
		inbound, outbound, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ClaimNext is the linchpin primitive: match and rewrite the status in one
// statement, returning the claimed row. Two concurrent claimers can never
// both succeed on the same job.
func (s *SQLiteStore) ClaimNext(ctx context.Context, from, to domain.JobStatus) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1)
		 RETURNING `+jobColumns,
		to, time.Now().UTC(), from,
	)
	return scanJob(row)
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, id string, from, to domain.JobStatus) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+jobColumns,
		to, time.Now().UTC(), id, from,
	)
	return scanJob(row)
}

func (s *SQLiteStore) MarkMirrored(ctx context.Context, id string, ref domain.StagingRef) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, staging_chat_id = ?, staging_message_id = ?,
		        staging_thread_id = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusPendingReply, ref.ChatID, ref.MessageID, ref.ThreadID,
		time.Now().UTC(), id,
	)
	return checkAffected(res, err, id)
}

// MarkReady sets the outbound payload and the READY_TO_SEND status in one
// statement, guarded on PENDING_REPLY so a job never gains a send-ready
// status without content, and never regresses from a later status.
func (s *SQLiteStore) MarkReady(ctx context.Context, id string, out *domain.Payload) (bool, error) {
	encoded, err := marshalPayload(out)
	if err != nil {
		return false, fmt.Errorf("encode outbound content: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, outbound_content = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusReadyToSend, encoded, time.Now().UTC(),
		id, domain.StatusPendingReply,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkCompleted finalizes a SENDING job. The status guard makes a late write
// a no-op when the stale sweep already handed the job to another claimer, so
// the winner's outcome stands.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusCompleted, time.Now().UTC(), id, domain.StatusSending,
	)
	return s.checkGuarded(res, err, id, "complete")
}

func (s *SQLiteStore) MarkError(ctx context.Context, id string, from domain.JobStatus, cause string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusError, cause, time.Now().UTC(), id, from,
	)
	return s.checkGuarded(res, err, id, "mark error")
}

func (s *SQLiteStore) Release(ctx context.Context, id string, from, to domain.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	return s.checkGuarded(res, err, id, "release")
}

func (s *SQLiteStore) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		domain.StatusReadyToSend, time.Now().UTC(),
		domain.StatusSending, cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) FindByStagingRef(ctx context.Context, chatID int64, messageID int) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE staging_chat_id = ? AND staging_message_id = ?`,
		chatID, messageID)
	return scanJob(row)
}

func (s *SQLiteStore) ListBySender(ctx context.Context, senderID int64, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE sender_id = ? ORDER BY created_at DESC LIMIT ?`,
		senderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// SetConfig upserts a config entry, overwriting value and timestamp.
func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return err
}

// GetConfig returns the stored value or def when the key is absent or the
// store misbehaves. Config reads happen every loop iteration and must not
// take the loop down.
func (s *SQLiteStore) GetConfig(ctx context.Context, key, def string) string {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return def
	}
	if err != nil {
		s.logger.Warn("config read failed, using default", "key", key, "err", err)
		return def
	}
	return value
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*domain.Job, error) {
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func scanJobRow(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var stagingChat, stagingMsg, stagingThread sql.NullInt64
	var inbound, outbound sql.NullString

	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.SenderID, &job.TargetID,
		&stagingChat, &stagingMsg, &stagingThread,
		&inbound, &outbound, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if stagingChat.Valid && stagingMsg.Valid {
		job.Staging = &domain.StagingRef{
			ChatID:    stagingChat.Int64,
			MessageID: int(stagingMsg.Int64),
			ThreadID:  int(stagingThread.Int64),
		}
	}
	if job.Inbound, err = unmarshalPayload(inbound); err != nil {
		return nil, fmt.Errorf("decode inbound content for job %s: %w", job.ID, err)
	}
	if job.Outbound, err = unmarshalPayload(outbound); err != nil {
		return nil, fmt.Errorf("decode outbound content for job %s: %w", job.ID, err)
	}
	return &job, nil
}

func marshalPayload(p *domain.Payload) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalPayload(col sql.NullString) (*domain.Payload, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var p domain.Payload
	if err := json.Unmarshal([]byte(col.String), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// checkGuarded treats a zero-row guarded update as a lost race, not a
// failure: the job moved on and the current holder's write wins.
func (s *SQLiteStore) checkGuarded(res sql.Result, err error, id, op string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.Warn("status update skipped, job already moved on", "job_id", id, "op", op)
	}
	return nil
}

func checkAffected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}
