package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/model"
)

type fakeCoordinatorServer struct {
	mu       sync.Mutex
	jobs     map[string]map[string]any
	claimed  []string
	patches  []map[string]any
}

func newFakeCoordinatorServer() *fakeCoordinatorServer {
	return &fakeCoordinatorServer{jobs: map[string]map[string]any{}}
}

func (f *fakeCoordinatorServer) addJob(id, jobType, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id] = map[string]any{
		"id": id, "job_type": jobType, "status": status, "details": map[string]any{},
	}
}

func (f *fakeCoordinatorServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("status") == "eq.pending":
			var rows []map[string]any
			for _, j := range f.jobs {
				if j["status"] == "pending" {
					rows = append(rows, j)
				}
			}
			_ = json.NewEncoder(w).Encode(rows)
		case r.Method == http.MethodPatch:
			q := r.URL.Query()
			id := trimEq(q.Get("id"))
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			job, ok := f.jobs[id]
			if !ok {
				_ = json.NewEncoder(w).Encode([]map[string]any{})
				return
			}
			if filterStatus := trimEq(q.Get("status")); filterStatus != "" && job["status"] != filterStatus {
				_ = json.NewEncoder(w).Encode([]map[string]any{})
				return
			}
			for k, v := range body {
				job[k] = v
			}
			f.claimed = append(f.claimed, id)
			f.patches = append(f.patches, body)
			_ = json.NewEncoder(w).Encode([]map[string]any{job})
		case r.Method == http.MethodGet:
			id := trimEq(r.URL.Query().Get("id"))
			if job, ok := f.jobs[id]; ok {
				_ = json.NewEncoder(w).Encode([]map[string]any{job})
				return
			}
			_ = json.NewEncoder(w).Encode([]map[string]any{})
		default:
			_ = json.NewEncoder(w).Encode([]map[string]any{})
		}
	}
}

func trimEq(v string) string {
	if len(v) > 3 && v[:3] == "eq." {
		return v[3:]
	}
	return v
}

func newTestDispatcher(t *testing.T, srv *httptest.Server, registry Registry) *Dispatcher {
	t.Helper()
	coord := coordinator.New(srv.URL, "token", "key", "", nil)
	newContext := func(job *model.Job) *handler.Context {
		return &handler.Context{Coordinator: coord, Job: job}
	}
	return New(Config{WorkerID: "worker-1", PollInterval: time.Hour, BatchSize: 10, WorkerPoolSize: 4}, coord, registry, newContext, nil)
}

func TestDispatchRunsRegisteredHandlerToCompletion(t *testing.T) {
	fc := newFakeCoordinatorServer()
	fc.addJob("job-1", "noop", "pending")
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	var ran int32
	registry := Registry{
		"noop": {Run: func(ctx context.Context, hctx *handler.Context) error {
			atomic.AddInt32(&ran, 1)
			return hctx.SetStatus(ctx, model.StatusCompleted, map[string]any{"completed_at": "now"})
		}},
	}
	d := newTestDispatcher(t, srv, registry)
	d.pollOnce(context.Background())
	waitForGoroutines(d)

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.jobs["job-1"]["status"] != string(model.StatusCompleted) {
		t.Errorf("job status = %v, want completed", fc.jobs["job-1"]["status"])
	}
}

func TestDispatchFailsJobWithNoRegisteredHandler(t *testing.T) {
	fc := newFakeCoordinatorServer()
	fc.addJob("job-2", "unknown_type", "pending")
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	d := newTestDispatcher(t, srv, Registry{})
	d.pollOnce(context.Background())
	waitForGoroutines(d)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.jobs["job-2"]["status"] != string(model.StatusFailed) {
		t.Errorf("job status = %v, want failed", fc.jobs["job-2"]["status"])
	}
}

func TestDispatchForcesFailedWhenHandlerLeavesJobNonTerminal(t *testing.T) {
	fc := newFakeCoordinatorServer()
	fc.addJob("job-3", "sloppy", "pending")
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	registry := Registry{
		"sloppy": {Run: func(ctx context.Context, hctx *handler.Context) error {
			return nil // forgets to set a terminal status
		}},
	}
	d := newTestDispatcher(t, srv, registry)
	d.pollOnce(context.Background())
	waitForGoroutines(d)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.jobs["job-3"]["status"] != string(model.StatusFailed) {
		t.Errorf("job status = %v, want failed (dispatcher safety net)", fc.jobs["job-3"]["status"])
	}
}

func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	fc := newFakeCoordinatorServer()
	fc.addJob("job-4", "explodes", "pending")
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	registry := Registry{
		"explodes": {Run: func(ctx context.Context, hctx *handler.Context) error {
			panic("boom")
		}},
	}
	d := newTestDispatcher(t, srv, registry)
	d.pollOnce(context.Background())
	waitForGoroutines(d)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.jobs["job-4"]["status"] != string(model.StatusFailed) {
		t.Errorf("job status = %v, want failed after panic recovery", fc.jobs["job-4"]["status"])
	}
}

// waitForGoroutines drains the worker pool's semaphore back to empty,
// which only happens once every dispatched goroutine has returned.
func waitForGoroutines(d *Dispatcher) {
	for i := 0; i < cap(d.sem); i++ {
		d.sem <- struct{}{}
	}
	for i := 0; i < cap(d.sem); i++ {
		<-d.sem
	}
}
