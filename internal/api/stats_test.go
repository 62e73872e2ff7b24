package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/depflow/internal/model"
)

func TestGetStats(t *testing.T) {
	srv := newTestServer(t)
	v := srv.engine.NewVariable()
	defer srv.engine.DeleteVariable(nil, model.CPU(0), v)

	h, err := srv.mem.Alloc(100, model.CPU(0))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer srv.mem.Free(h)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Engine.Policy != "pool" {
		t.Errorf("policy = %q, want %q", stats.Engine.Policy, "pool")
	}
	if stats.Engine.LiveVars != 1 {
		t.Errorf("live_vars = %d, want 1", stats.Engine.LiveVars)
	}
	if len(stats.Engine.Pools) != 4 {
		t.Errorf("got %d pools, want 4", len(stats.Engine.Pools))
	}
	if stats.Storage == nil {
		t.Fatal("storage stats missing")
	}
	if stats.Storage.BytesInUse != 128 {
		t.Errorf("bytes_in_use = %d, want 128", stats.Storage.BytesInUse)
	}
}

func TestListPolicies(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/policies")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body policiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.Active != "pool" {
		t.Errorf("active = %q, want %q", body.Active, "pool")
	}
	names := make(map[string]bool)
	for _, p := range body.Policies {
		names[p.Name] = true
	}
	for _, want := range []string{"inline", "pool", "perdevice"} {
		if !names[want] {
			t.Errorf("policy %q missing from %v", want, body.Policies)
		}
	}
}
