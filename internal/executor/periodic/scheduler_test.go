package periodic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dcjobexec/internal/executor/coordinator"
)

func TestEnsureSuccessorSkipsWhenPendingExists(t *testing.T) {
	var posted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"id": "existing", "status": "pending"},
			})
		case http.MethodPost:
			posted = true
			_ = json.NewEncoder(w).Encode([]map[string]any{})
		}
	}))
	defer srv.Close()

	s := &Scheduler{Coordinator: coordinator.New(srv.URL, "t", "k", "", nil), StaleAfter: 10 * time.Minute}
	outcome, err := s.EnsureSuccessor(context.Background(), "scheduled_replication_check", time.Minute, nil)
	if err != nil {
		t.Fatalf("EnsureSuccessor: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeSkipped)
	}
	if posted {
		t.Error("should not have inserted a duplicate successor")
	}
}

func TestEnsureSuccessorRecoversStaleRunningThenSchedules(t *testing.T) {
	var patchedFailed, inserted bool
	staleStart := time.Now().UTC().Add(-20 * time.Minute).Format(time.RFC3339)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"id": "stale-1", "status": "running", "started_at": staleStart},
			})
		case http.MethodPatch:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["status"] == "failed" {
				patchedFailed = true
			}
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "stale-1"}})
		case http.MethodPost:
			inserted = true
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "new-1"}})
		}
	}))
	defer srv.Close()

	s := &Scheduler{Coordinator: coordinator.New(srv.URL, "t", "k", "", nil), StaleAfter: 10 * time.Minute}
	outcome, err := s.EnsureSuccessor(context.Background(), "scheduled_replication_check", time.Minute, nil)
	if err != nil {
		t.Fatalf("EnsureSuccessor: %v", err)
	}
	if outcome != OutcomeScheduled {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeScheduled)
	}
	if !patchedFailed {
		t.Error("expected stale running job to be recovered to failed")
	}
	if !inserted {
		t.Error("expected a successor job to be inserted after recovery")
	}
}
