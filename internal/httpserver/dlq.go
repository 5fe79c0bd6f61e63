package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// parseListParams validates limit/offset and extracts the optional filters.
// limit clamps to the upper bound rather than erroring.
func parseListParams(r *http.Request) (limit, offset int, aggregateType, eventType string, err error) {
	q := r.URL.Query()
	limit = defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, "", "", fmt.Errorf("invalid limit %q", raw)
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset = 0
	if raw := q.Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, "", "", fmt.Errorf("invalid offset %q", raw)
		}
	}
	return limit, offset, q.Get("aggregate_type"), q.Get("event_type"), nil
}

func (s *Server) handleListDeadEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset, aggregateType, eventType, err := parseListParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.withRepo(w, r, func(ctx context.Context, repo Repository) {
		events, err := repo.FetchDeadEvents(ctx, limit, offset, aggregateType, eventType)
		if err != nil {
			s.log.Error("listing dead events failed", "err", err)
			writeJSON(w, http.StatusInternalServerError,
				map[string]string{"error": "Internal server error"})
			return
		}

		out := make([]map[string]any, len(events))
		for i, ev := range events {
			out[i] = ev.ToMap()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": out,
			"count":  len(out),
			"limit":  limit,
			"offset": offset,
		})
	})
}

func (s *Server) handleDeadEventStats(w http.ResponseWriter, r *http.Request) {
	aggregateType := r.URL.Query().Get("aggregate_type")
	eventType := r.URL.Query().Get("event_type")

	s.withRepo(w, r, func(ctx context.Context, repo Repository) {
		total, err := repo.CountDeadEvents(ctx, aggregateType, eventType)
		if err != nil {
			s.log.Error("counting dead events failed", "err", err)
			writeJSON(w, http.StatusInternalServerError,
				map[string]string{"error": "Internal server error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":          total,
			"aggregate_type": orNil(aggregateType),
			"event_type":     orNil(eventType),
		})
	})
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// eventID extracts the {id} path segment. A non-numeric or non-positive id
// cannot name a dead event, so it reads as not-found rather than bad-request.
func eventID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetDeadEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(r)
	if !ok {
		s.handleNotFound(w, r)
		return
	}

	s.withRepo(w, r, func(ctx context.Context, repo Repository) {
		ev, err := repo.GetDeadEvent(ctx, id)
		if err != nil {
			s.log.Error("getting dead event failed", "event_id", id, "err", err)
			writeJSON(w, http.StatusInternalServerError,
				map[string]string{"error": "Internal server error"})
			return
		}
		if ev == nil {
			writeJSON(w, http.StatusNotFound,
				map[string]string{"error": fmt.Sprintf("Dead event %d not found", id)})
			return
		}
		writeJSON(w, http.StatusOK, ev.ToMap())
	})
}

func (s *Server) handleRetryDeadEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(r)
	if !ok {
		s.handleNotFound(w, r)
		return
	}

	s.withRepo(w, r, func(ctx context.Context, repo Repository) {
		reset, err := repo.ResetDeadToPending(ctx, id)
		if err != nil {
			s.log.Error("retrying dead event failed", "event_id", id, "err", err)
			writeJSON(w, http.StatusInternalServerError,
				map[string]string{"error": "Internal server error"})
			return
		}
		if !reset {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("Dead event %d not found or already processed", id),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "success",
			"message":  fmt.Sprintf("Event %d reset to pending", id),
			"event_id": id,
		})
	})
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventIDs []int64 `json:"event_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "Invalid JSON in request body"})
		return
	}
	if len(body.EventIDs) == 0 {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "event_ids must be a non-empty list"})
		return
	}
	for _, id := range body.EventIDs {
		if id < 1 {
			writeJSON(w, http.StatusBadRequest,
				map[string]string{"error": "All event_ids must be positive integers"})
			return
		}
	}

	s.withRepo(w, r, func(ctx context.Context, repo Repository) {
		processed, err := repo.ResetDeadToPendingBatch(ctx, body.EventIDs)
		if err != nil {
			s.log.Error("retrying dead events batch failed", "err", err)
			writeJSON(w, http.StatusInternalServerError,
				map[string]string{"error": "Internal server error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"message":   fmt.Sprintf("%d event(s) reset to pending", processed),
			"requested": len(body.EventIDs),
			"processed": processed,
		})
	})
}
