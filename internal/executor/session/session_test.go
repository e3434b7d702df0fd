package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPerEndpointSerialization(t *testing.T) {
	var inFlight int32
	var overlapped int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Do(context.Background(), Request{
				Method:      http.MethodGet,
				URL:         srv.URL,
				EndpointKey: "10.0.0.5",
			})
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	if overlapped != 0 {
		t.Error("requests to the same endpoint overlapped in wall-clock time")
	}
}

func TestDifferentEndpointsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var firstArrived sync.WaitGroup
	firstArrived.Add(1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstArrived.Done()
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager()
	done := make(chan struct{})
	go func() {
		resp, err := m.Do(context.Background(), Request{
			Method: http.MethodGet, URL: srv.URL, EndpointKey: "endpoint-a",
		})
		if err == nil {
			resp.Body.Close()
		}
		close(done)
	}()

	firstArrived.Wait()

	// A request to a different endpoint key must not block behind the
	// first one, which is still holding release.
	secondDone := make(chan struct{})
	go func() {
		resp, err := m.Do(context.Background(), Request{
			Method: http.MethodGet, URL: srv.URL, EndpointKey: "endpoint-b",
		})
		if err == nil {
			resp.Body.Close()
		}
		close(secondDone)
	}()

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("request to a different endpoint was blocked by the in-flight request on endpoint-a")
	}

	close(release)
	<-done
}

func TestLegacyTLSTransportConfigured(t *testing.T) {
	m := NewManager()
	sess := m.sessionFor("10.0.0.9", true)
	tr, ok := sess.client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if tr.TLSClientConfig.MinVersion != 0x0301 { // tls.VersionTLS10
		t.Errorf("MinVersion = %#x, want TLS 1.0", tr.TLSClientConfig.MinVersion)
	}
	if !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify for legacy fleet certs")
	}

	modern := m.sessionFor("10.0.0.9", false)
	if modern == sess {
		t.Error("legacy and modern sessions for the same endpoint must be cached separately")
	}
}
