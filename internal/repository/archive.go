package repository

import (
	"context"
	"fmt"
	"time"
)

// archiveDoneSQL moves a bounded batch of old done rows into the archive
// table in one statement. The inner SELECT takes the rows under
// FOR UPDATE SKIP LOCKED so the mover never blocks a worker (done rows are
// never claimed, but the skip keeps repeated archive runs from serializing
// on each other). DELETE ... RETURNING feeds the INSERT, so a row is either
// in exactly one table or the whole batch rolls back.
const archiveDoneSQL = `
	WITH moved AS (
	    DELETE FROM outbox_event
	    WHERE id IN (
	        SELECT id FROM outbox_event
	        WHERE status = 'done'
	          AND created_at < now() - ($1 * interval '1 second')
	        ORDER BY id
	        LIMIT $2
	        FOR UPDATE SKIP LOCKED
	    )
	    RETURNING id, aggregate_type, aggregate_id, event_type, payload,
	              status, attempts, next_run_at, created_at
	)
	INSERT INTO outbox_event_archive
	    (id, aggregate_type, aggregate_id, event_type, payload,
	     status, attempts, next_run_at, created_at)
	SELECT id, aggregate_type, aggregate_id, event_type, payload,
	       status, attempts, next_run_at, created_at
	FROM moved`

// ArchiveDone moves up to batchSize done rows older than olderThan into
// outbox_event_archive and returns how many moved. The dispatcher never
// calls this; it backs the archive command.
func (r *Repository) ArchiveDone(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}
	if olderThan < 0 {
		return 0, fmt.Errorf("age threshold must be non-negative, got %s", olderThan)
	}

	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, archiveDoneSQL, int64(olderThan.Seconds()), batchSize)
	if err != nil {
		return 0, fmt.Errorf("archive done events: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive done events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(moved), nil
}
