package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"santinel/internal/protocol"
)

func healthServer(ai string, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(protocol.HealthReport{
			System:  protocol.SystemOnline,
			Modules: protocol.ModuleStatus{AI: ai},
		})
	}))
}

func TestProbe_Ready(t *testing.T) {
	srv := healthServer(protocol.AIConnected, http.StatusOK)
	defer srv.Close()

	res := NewClient(srv.URL, "").Probe(context.Background())
	if res.Outcome != OutcomeReady {
		t.Fatalf("expected ready, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Report == nil || res.Report.System != protocol.SystemOnline {
		t.Errorf("expected parsed report, got %+v", res.Report)
	}
}

func TestProbe_MissingKey(t *testing.T) {
	srv := healthServer(protocol.AIMissingKey, http.StatusOK)
	defer srv.Close()

	res := NewClient(srv.URL, "").Probe(context.Background())
	if res.Outcome != OutcomeSetupRequired {
		t.Fatalf("expected setup_required, got %s", res.Outcome)
	}
}

func TestProbe_ServerError(t *testing.T) {
	srv := healthServer(protocol.AIConnected, http.StatusInternalServerError)
	defer srv.Close()

	res := NewClient(srv.URL, "").Probe(context.Background())
	if res.Outcome != OutcomeServerError {
		t.Fatalf("expected server_error, got %s", res.Outcome)
	}
}

func TestProbe_GarbageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	res := NewClient(srv.URL, "").Probe(context.Background())
	if res.Outcome != OutcomeServerError {
		t.Fatalf("expected server_error, got %s", res.Outcome)
	}
}

func TestProbe_Refused(t *testing.T) {
	srv := healthServer(protocol.AIConnected, http.StatusOK)
	addr := srv.URL
	srv.Close()

	res := NewClient(addr, "").Probe(context.Background())
	if res.Outcome != OutcomeUnreachable {
		t.Fatalf("expected unreachable, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", res.Err)
	}
}

func TestProbe_TimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	res := NewClient(srv.URL, "").Probe(context.Background())
	if res.Outcome != OutcomeUnreachable {
		t.Fatalf("expected unreachable on timeout, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > ProbeTimeout+time.Second {
		t.Errorf("probe took %v, expected about %v", elapsed, ProbeTimeout)
	}
}

func TestSetup_SendsKeyAndToken(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.SetupRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotKey = req.APIKey
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(protocol.SetupResponse{
			Success: true,
			Modules: protocol.ModuleStatus{AI: protocol.AIConnected},
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "tok").Setup(context.Background(), "abcdefghijkl")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if !resp.Success || resp.Modules.AI != protocol.AIConnected {
		t.Errorf("unexpected response %+v", resp)
	}
	if gotKey != "abcdefghijkl" {
		t.Errorf("server got key %q", gotKey)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("server got auth %q", gotAuth)
	}
}

func TestSetup_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "Invalid Key"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Setup(context.Background(), "short")
	if err == nil || !strings.Contains(err.Error(), "Invalid Key") {
		t.Fatalf("expected rejection carrying server message, got %v", err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                       DefaultAddress,
		"192.168.1.20":           "http://192.168.1.20:3001",
		"box:8080":               "http://box:8080",
		"https://box.lan":        "https://box.lan:3001",
		"http://localhost:3001/": "http://localhost:3001",
		"  10.0.0.5  ":           "http://10.0.0.5:3001",
	}
	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	if got := WebsocketURL("http://h:1"); got != "ws://h:1/ws/terminal" {
		t.Errorf("got %s", got)
	}
	if got := WebsocketURL("https://h:1"); got != "wss://h:1/ws/terminal" {
		t.Errorf("got %s", got)
	}
}
