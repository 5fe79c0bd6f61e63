package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/magsoftware/dispatchbox/internal/domain"
)

// Dead-letter queue reads and resets. These back the observability surface,
// which constructs its own short-lived repository per request; nothing here
// touches a worker's claim transaction.

const (
	// MaxDeadEventLimit bounds one page of dead events.
	MaxDeadEventLimit     = 1000
	defaultDeadEventLimit = 100
)

const fetchDeadEventsBaseSQL = `
	SELECT id, aggregate_type, aggregate_id, event_type, payload,
	       status, attempts, next_run_at, created_at
	FROM outbox_event
	WHERE status = 'dead'`

const countDeadEventsBaseSQL = `
	SELECT COUNT(*)
	FROM outbox_event
	WHERE status = 'dead'`

const fetchDeadEventByIDSQL = fetchDeadEventsBaseSQL + ` AND id = $1`

// resetDeadSQL requeues a dead row from the DLQ. The status condition makes
// the reset race-free against the dispatcher: a row that left dead in the
// meantime is left alone and the statement reports zero rows.
const resetDeadSQL = `
	UPDATE outbox_event
	SET status = 'pending',
	    attempts = 0,
	    next_run_at = now()
	WHERE id = $1 AND status = 'dead'`

const resetDeadBatchSQL = `
	UPDATE outbox_event
	SET status = 'pending',
	    attempts = 0,
	    next_run_at = now()
	WHERE id = ANY($1::bigint[]) AND status = 'dead'`

// deadEventFilter appends optional aggregate_type/event_type conditions,
// numbering placeholders after those already present.
func deadEventFilter(sb *strings.Builder, args []any, aggregateType, eventType string) []any {
	if aggregateType != "" {
		args = append(args, aggregateType)
		fmt.Fprintf(sb, " AND aggregate_type = $%d", len(args))
	}
	if eventType != "" {
		args = append(args, eventType)
		fmt.Fprintf(sb, " AND event_type = $%d", len(args))
	}
	return args
}

// FetchDeadEvents lists dead rows newest-first with optional filters.
// Out-of-range arguments never error: a limit above MaxDeadEventLimit clamps
// to it, a non-positive limit falls back to the default page size, and a
// negative offset becomes 0.
func (r *Repository) FetchDeadEvents(ctx context.Context, limit, offset int, aggregateType, eventType string) ([]domain.Event, error) {
	if limit < 1 {
		limit = defaultDeadEventLimit
	}
	if limit > MaxDeadEventLimit {
		limit = MaxDeadEventLimit
	}
	if offset < 0 {
		offset = 0
	}

	var sb strings.Builder
	sb.WriteString(fetchDeadEventsBaseSQL)
	args := deadEventFilter(&sb, nil, aggregateType, eventType)
	args = append(args, limit, offset)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	tx, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch dead events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch dead events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return events, nil
}

// CountDeadEvents returns the number of dead rows matching the filters.
func (r *Repository) CountDeadEvents(ctx context.Context, aggregateType, eventType string) (int, error) {
	var sb strings.Builder
	sb.WriteString(countDeadEventsBaseSQL)
	args := deadEventFilter(&sb, nil, aggregateType, eventType)

	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, sb.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// GetDeadEvent returns one dead row, or nil when the id is missing or the
// row is not dead.
func (r *Repository) GetDeadEvent(ctx context.Context, eventID int64) (*domain.Event, error) {
	if eventID < 1 {
		return nil, fmt.Errorf("event id must be positive, got %d", eventID)
	}

	tx, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, fetchDeadEventByIDSQL, eventID)
	if err != nil {
		return nil, fmt.Errorf("get dead event %d: %w", eventID, err)
	}
	defer rows.Close()

	var found *domain.Event
	if rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		found = &ev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get dead event %d: %w", eventID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return found, nil
}

// ResetDeadToPending requeues one dead row (attempts back to 0, due now) and
// reports whether exactly one row changed.
func (r *Repository) ResetDeadToPending(ctx context.Context, eventID int64) (bool, error) {
	if eventID < 1 {
		return false, fmt.Errorf("event id must be positive, got %d", eventID)
	}

	tx, err := r.begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, resetDeadSQL, eventID)
	if err != nil {
		return false, fmt.Errorf("reset dead event %d: %w", eventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset dead event %d: %w", eventID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return affected == 1, nil
}

// ResetDeadToPendingBatch requeues many dead rows and returns how many
// actually transitioned. Ids that are missing or not dead are ignored.
func (r *Repository) ResetDeadToPendingBatch(ctx context.Context, eventIDs []int64) (int, error) {
	if len(eventIDs) == 0 {
		return 0, errors.New("event ids must be a non-empty list")
	}
	for _, id := range eventIDs {
		if id < 1 {
			return 0, fmt.Errorf("event id must be positive, got %d", id)
		}
	}

	tx, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, resetDeadBatchSQL, int64Array(eventIDs))
	if err != nil {
		return 0, fmt.Errorf("reset dead events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset dead events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(affected), nil
}

// int64Array renders ids in PostgreSQL array literal form. The parameter is
// sent as text and cast server-side, which binds cleanly over the extended
// protocol.
func int64Array(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
