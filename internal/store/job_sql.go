package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/util"
)

var (
	_ JobRepo = (*SQLiteStore)(nil)
	_ JobRepo = (*PostgresStore)(nil)
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (b *sqlBase) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	ts := utcNow()

	if dedupeKey != "" {
		var existingID string
		err := b.db.QueryRowContext(ctx, b.rebind(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`),
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("Store.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`),
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("Store.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (b *sqlBase) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	if b.dialect == dialectPostgres {
		rows, err := b.db.QueryContext(ctx,
			`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
			   ORDER BY run_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+jobColumns,
			now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
		defer rows.Close()
		return collectJobs(rows)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	jobs, err := collectJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, jobs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &now
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due jobs commit failed: %w", err)
	}
	return jobs, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (b *sqlBase) CompleteJob(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`), utcNow(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (b *sqlBase) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	var attempt, maxAttempts int
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`), id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	ts := utcNow()
	attempt++
	if attempt >= maxAttempts {
		_, err = b.db.ExecContext(ctx, b.rebind(
			`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, ts, id,
		)
	} else {
		_, err = b.db.ExecContext(ctx, b.rebind(
			`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, nextRunAt.UTC(), ts, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (b *sqlBase) CancelJob(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`), utcNow(), id)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (b *sqlBase) CancelJobsByDedupeKey(ctx context.Context, dedupeKey string) (int, error) {
	res, err := b.db.ExecContext(ctx, b.rebind(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ?
		 WHERE dedupe_key = ? AND status IN ('queued', 'running')`),
		utcNow(), dedupeKey,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs by dedupe key failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *sqlBase) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := b.db.ExecContext(ctx, b.rebind(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`),
		utcNow(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (b *sqlBase) GetJob(ctx context.Context, id string) (*Job, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
