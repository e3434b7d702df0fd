package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClaimJobWinsRace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if got := r.URL.Query().Get("status"); got != "eq.pending" {
			t.Errorf("status filter = %q, want eq.pending", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "job-1", "job_type": "power_action", "status": "running", "worker_id": "w1", "details": map[string]any{}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "key", "", nil)
	job, err := c.ClaimJob(context.Background(), "job-1", "w1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job.ID != "job-1" || job.Status != "running" {
		t.Errorf("job = %+v", job)
	}
}

func TestClaimJobLosesRace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "key", "", nil)
	_, err := c.ClaimJob(context.Background(), "job-1", "w1")
	if err != ErrLostRace {
		t.Errorf("ClaimJob err = %v, want ErrLostRace", err)
	}
}

func TestDeepMergeLastWriterWinsAtLeaf(t *testing.T) {
	base := map[string]any{
		"progress_percent": float64(10),
		"console_log":      []any{"a"},
		"nested": map[string]any{
			"x": float64(1),
			"y": float64(2),
		},
	}
	patch := map[string]any{
		"progress_percent": float64(25),
		"nested": map[string]any{
			"y": float64(99),
		},
	}
	merged := DeepMerge(base, patch)

	if merged["progress_percent"] != float64(25) {
		t.Errorf("progress_percent = %v, want 25", merged["progress_percent"])
	}
	nested := merged["nested"].(map[string]any)
	if nested["x"] != float64(1) {
		t.Errorf("nested.x = %v, want 1 (untouched sibling preserved)", nested["x"])
	}
	if nested["y"] != float64(99) {
		t.Errorf("nested.y = %v, want 99", nested["y"])
	}
	if consoleLog, ok := merged["console_log"].([]any); !ok || len(consoleLog) != 1 {
		t.Errorf("console_log untouched = %v", merged["console_log"])
	}
}

func TestMergeJobDetailsRoundTrip(t *testing.T) {
	var lastPatchBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"details": map[string]any{"progress_percent": float64(0), "console_log": []any{}}},
			})
		case http.MethodPatch:
			_ = json.NewDecoder(r.Body).Decode(&lastPatchBody)
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "job-1"}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "key", "", nil)
	merged, err := c.MergeJobDetails(context.Background(), "job-1", map[string]any{
		"progress_percent": float64(50),
		"current_phase":    "clone",
	})
	if err != nil {
		t.Fatalf("MergeJobDetails: %v", err)
	}
	if merged["progress_percent"] != float64(50) || merged["current_phase"] != "clone" {
		t.Errorf("merged = %+v", merged)
	}
	sentDetails, ok := lastPatchBody["details"].(map[string]any)
	if !ok || sentDetails["current_phase"] != "clone" {
		t.Errorf("PATCH body details = %+v", lastPatchBody["details"])
	}
}
