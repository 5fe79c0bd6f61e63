package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magsoftware/dispatchbox/internal/domain"
)

// claimDueSQL atomically selects due rows and takes row-exclusive locks held
// for the life of the enclosing transaction.
//
// FOR UPDATE SKIP LOCKED keeps concurrent workers from blocking on each
// other: rows already claimed elsewhere are skipped, so two workers draining
// the same table partition the due set instead of serializing on it. ORDER BY
// id gives the only ordering guarantee the dispatcher makes (within one
// batch). The partial index on (next_run_at) WHERE status IN
// ('pending','retry') serves the scan.
const claimDueSQL = `
	SELECT id, aggregate_type, aggregate_id, event_type, payload,
	       status, attempts, next_run_at, created_at
	FROM outbox_event
	WHERE status IN ('pending','retry')
	  AND next_run_at <= now()
	ORDER BY id
	FOR UPDATE SKIP LOCKED
	LIMIT $1`

// markSuccessSQL finalizes a row the handler processed. The status guard
// keeps terminal rows immutable even if the statement ever runs outside a
// claim lock.
const markSuccessSQL = `
	UPDATE outbox_event
	SET status = 'done',
	    attempts = attempts + 1
	WHERE id = $1
	  AND status IN ('pending','retry')`

// markRetryOrDeadSQL moves a failed row to retry or dead in one statement.
// The decision reads the attempts column of the locked row, so it is
// server-evaluated and store-serialized against concurrent DLQ resets: no
// read-then-write race can lose an update. A row going dead keeps its
// next_run_at frozen at the last retry's value.
const markRetryOrDeadSQL = `
	UPDATE outbox_event
	SET status = CASE
	        WHEN attempts + 1 >= $2 THEN 'dead'
	        ELSE 'retry'
	    END,
	    attempts = attempts + 1,
	    next_run_at = CASE
	        WHEN attempts + 1 >= $2 THEN next_run_at
	        ELSE now() + ($3 * interval '1 second')
	    END
	WHERE id = $1
	  AND status IN ('pending','retry')
	RETURNING status, attempts`

// Claim is a batch of due rows plus the still-open transaction whose row
// locks protect them. The caller marks each row's outcome and then commits;
// Close rolls back anything uncommitted, reverting the rows for another
// worker to pick up.
type Claim struct {
	tx           *sql.Tx
	events       []domain.Event
	finished     bool
	maxAttempts  int
	retryBackoff int64 // seconds
}

func (c *Claim) Events() []domain.Event { return c.events }

// MarkSuccess transitions one claimed row to done.
func (c *Claim) MarkSuccess(ctx context.Context, eventID int64) error {
	return markSuccess(ctx, c.tx, eventID)
}

// MarkRetryOrDead transitions one claimed row to retry or dead and reports
// the resulting status so the caller can log exhaustion.
func (c *Claim) MarkRetryOrDead(ctx context.Context, eventID int64) (domain.Status, error) {
	return markRetryOrDead(ctx, c.tx, eventID, c.maxAttempts, c.retryBackoff)
}

// Commit publishes every outcome marked on the claim and releases the locks.
func (c *Claim) Commit() error {
	if c.finished {
		return errors.New("claim already finished")
	}
	c.finished = true
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

// Close rolls back the claim transaction unless it was committed. Safe to
// defer unconditionally.
func (c *Claim) Close() error {
	if c.finished {
		return nil
	}
	c.finished = true
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback claim: %w", err)
	}
	return nil
}

// ClaimDue opens the claim transaction and locks up to batchSize due rows,
// ordered by id ascending. Rows locked by other workers are skipped without
// blocking. The returned Claim must be committed or closed by the caller;
// until then the locks persist, so a crash aborts the transaction and the
// rows become claimable again with their state untouched.
func (r *Repository) ClaimDue(ctx context.Context, batchSize int) (*Claim, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}

	tx, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, claimDueSQL, batchSize)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if !ev.Status.IsValid() {
			// Data anomaly: leave the row alone and keep the batch alive.
			r.log.Warn("skipping event with unknown status",
				"event_id", ev.ID, "status", ev.Status)
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("claim due events: %w", err)
	}

	return &Claim{
		tx:           tx,
		events:       events,
		maxAttempts:  r.maxAttempts,
		retryBackoff: int64(r.retryBackoff.Seconds()),
	}, nil
}

// MarkSuccess transitions a row to done in its own transaction. The worker
// always uses the Claim method, which keeps the lock held from claim to
// outcome; this variant is for callers operating outside a claim.
func (r *Repository) MarkSuccess(ctx context.Context, eventID int64) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := markSuccess(ctx, tx, eventID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkRetryOrDead transitions a row to retry or dead in its own transaction.
// Like MarkSuccess, a standalone variant for callers outside a claim.
func (r *Repository) MarkRetryOrDead(ctx context.Context, eventID int64) (domain.Status, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	status, err := markRetryOrDead(ctx, tx, eventID, r.maxAttempts, int64(r.retryBackoff.Seconds()))
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return status, nil
}

func markSuccess(ctx context.Context, tx *sql.Tx, eventID int64) error {
	if eventID < 1 {
		return fmt.Errorf("event id must be positive, got %d", eventID)
	}
	if _, err := tx.ExecContext(ctx, markSuccessSQL, eventID); err != nil {
		return fmt.Errorf("mark success for event %d: %w", eventID, err)
	}
	return nil
}

func markRetryOrDead(ctx context.Context, tx *sql.Tx, eventID int64, maxAttempts int, backoffSecs int64) (domain.Status, error) {
	if eventID < 1 {
		return "", fmt.Errorf("event id must be positive, got %d", eventID)
	}
	var status string
	var attempts int
	err := tx.QueryRowContext(ctx, markRetryOrDeadSQL, eventID, maxAttempts, backoffSecs).
		Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		// Row was not pending/retry; nothing to transition.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mark retry for event %d: %w", eventID, err)
	}
	return domain.Status(status), nil
}
