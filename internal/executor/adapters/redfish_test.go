package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dcjobexec/internal/executor/audit"
	"dcjobexec/internal/executor/session"
)

type nullPoster struct{}

func (nullPoster) Post(ctx context.Context, resource string, body map[string]any, returnRepresentation bool) ([]map[string]any, error) {
	return nil, nil
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*RedfishAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	mgr := session.NewManager()
	auditLog := audit.New(nullPoster{}, nil)
	return NewRedfishAdapter(mgr, auditLog), srv
}

func TestRedfishAdapterPowerState(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/redfish/v1/Systems/System.Embedded.1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"PowerState":"On"}`))
	})
	defer srv.Close()

	ep := Endpoint{Key: "10.0.0.1", BaseURL: srv.URL, Username: "root", Password: "secret"}
	state, err := a.PowerState(context.Background(), ep, "job-1", "server-1")
	if err != nil {
		t.Fatalf("PowerState: %v", err)
	}
	if state != "On" {
		t.Errorf("state = %q, want On", state)
	}
}

func TestRedfishAdapterResetSendsResetType(t *testing.T) {
	var gotBody string
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	})
	defer srv.Close()

	ep := Endpoint{Key: "10.0.0.2", BaseURL: srv.URL, Username: "root", Password: "secret"}
	if err := a.Reset(context.Background(), ep, "job-2", "server-2", ResetGracefulRestart); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !strings.Contains(gotBody, "GracefulRestart") {
		t.Errorf("request body = %q, want it to contain GracefulRestart", gotBody)
	}
}

func TestRedfishAdapterNonSuccessStatusIsError(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	ep := Endpoint{Key: "10.0.0.3", BaseURL: srv.URL, Username: "root", Password: "wrong"}
	if _, err := a.PowerState(context.Background(), ep, "job-3", "server-3"); err == nil {
		t.Error("expected an error for a 401 response")
	}
}

func TestRedactPassword(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"ab":       "****",
		"abcd":     "****",
		"abcdefgh": "ab****gh",
	}
	for in, want := range cases {
		if got := RedactPassword(in); got != want {
			t.Errorf("RedactPassword(%q) = %q, want %q", in, got, want)
		}
	}
}
