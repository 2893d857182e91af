package loadtest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParsePhasesDefault(t *testing.T) {
	phases, err := ParsePhases("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(phases))
	}
	if phases[0].Name != "provision" || phases[1].Name != "status" || phases[2].Name != "terminate" {
		t.Fatalf("unexpected phase order: %#v", phases)
	}
}

func TestParsePhasesCustom(t *testing.T) {
	phases, err := ParsePhases("status, Terminate")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Name != "status" || phases[1].Name != "terminate" {
		t.Fatalf("unexpected phase order: %#v", phases)
	}
}

func TestParsePhasesUnknown(t *testing.T) {
	_, err := ParsePhases("provision,unknown")
	if err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := Config{
		BaseURL:        "http://localhost",
		JWTSecret:      "s",
		ChallengeID:    "web/http",
		Users:          1,
		Concurrency:    1,
		UserPrefix:     "u-",
		RequestTimeout: time.Second,
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cfg.ChallengeID = " "
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error for empty challenge id")
	}
}

func TestRunAllPhases(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		seen[r.Method+" "+r.URL.Path]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/instances":
			_, _ = w.Write([]byte(`{"success":true,"code":"ok","instance":{"id":"inst-1"}}`))
		case r.URL.Path == "/instances/inst-1":
			_, _ = w.Write([]byte(`{"success":true,"code":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := Run(context.Background(), Config{
		BaseURL:        srv.URL,
		JWTSecret:      "s",
		ChallengeID:    "web/http",
		Role:           "user",
		Users:          3,
		Concurrency:    2,
		UserPrefix:     "u-",
		RequestTimeout: 5 * time.Second,
	}, &out)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, key := range []string{"POST /instances", "GET /instances/inst-1", "DELETE /instances/inst-1"} {
		if seen[key] != 3 {
			t.Fatalf("expected 3 requests for %s, got %d (%v)", key, seen[key], seen)
		}
	}
	if !strings.Contains(out.String(), "Phase terminate") {
		t.Fatalf("missing terminate report in output: %s", out.String())
	}
}
