package integration

import (
	"net/http"
	"testing"
)

type invalidateResponse struct {
	Success          bool     `json:"success"`
	InvalidatedCount int      `json:"invalidated_count"`
	Keys             []string `json:"keys"`
	Pattern          string   `json:"pattern"`
	RequestID        string   `json:"request_id"`
}

type auditLogsResponse struct {
	Logs       []any `json:"logs"`
	TotalCount int   `json:"total_count"`
	HasMore    bool  `json:"has_more"`
}

type matchHistoryResponse struct {
	Matches []string `json:"matches"`
}

type invalidationMetricsResponse struct {
	TotalInvalidations int64 `json:"total_invalidations"`
	Errors             int64 `json:"errors"`
}

func TestInvalidationEndpoints(t *testing.T) {
	requireService(t)

	t.Run("POST /invalidate/score", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/invalidate/score", map[string]any{
			"user_id":  "u1",
			"guild_id": "g1",
			"reason":   "go-tests",
		})
		assertStatusIn(t, status, 200)

		var resp invalidateResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
		if resp.InvalidatedCount != 2 {
			t.Fatalf("expected 2 keys invalidated (user position + guild leaderboard), got %d", resp.InvalidatedCount)
		}
		if resp.RequestID == "" {
			t.Fatalf("expected request_id to be set")
		}
	})

	t.Run("POST /invalidate/score - missing guild (expected error)", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, "/invalidate/score", map[string]any{})
		assertStatusIn(t, status, 400, 500)
	})

	t.Run("POST /invalidate/leaderboard", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/invalidate/leaderboard", map[string]any{
			"guild_id": "g1",
			"reason":   "go-tests",
		})
		assertStatusIn(t, status, 200)

		var resp invalidateResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
		if resp.Pattern == "" {
			t.Fatalf("expected pattern to be set")
		}
		if resp.RequestID == "" {
			t.Fatalf("expected request_id to be set")
		}
	})

	t.Run("GET /audit/logs", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/audit/logs?limit=10&offset=0", nil)
		assertStatusIn(t, status, 200)

		var resp auditLogsResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.TotalCount < 0 {
			t.Fatalf("expected non-negative total_count")
		}
		_ = resp.HasMore
	})

	t.Run("GET /invalidate/history/match", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/invalidate/history/match?query=lb:guild:*", nil)
		assertStatusIn(t, status, 200)

		var resp matchHistoryResponse
		mustUnmarshalJSON(t, body, &resp)
		_ = resp.Matches
	})

	t.Run("GET /invalidate/history/match - invalid query (expected error)", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodGet, "/invalidate/history/match?query=%5Bunterminated", nil)
		assertStatusIn(t, status, 400, 500)
	})

	t.Run("GET /invalidate/metrics", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/invalidate/metrics", nil)
		assertStatusIn(t, status, 200)

		var resp invalidationMetricsResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.TotalInvalidations < 0 || resp.Errors < 0 {
			t.Fatalf("expected non-negative metrics")
		}
	})
}
