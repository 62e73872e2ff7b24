package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/policy"
	"github.com/seantiz/depflow/internal/policy/builtin"
	"github.com/seantiz/depflow/internal/storage"
	"github.com/seantiz/depflow/internal/store"
)

// testServer bundles a Server with the pieces tests poke at directly.
type testServer struct {
	*Server
	journal *store.Journal
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := builtin.NewRegistry(builtin.Options{Workers: 4, CopyWorkers: 1, GPUWorkers: 1}, logger)
	journal := store.NewJournal(s, logger, store.JournalOptions{FlushInterval: 10 * time.Millisecond})
	eng := engine.NewEngine(reg, logger, engine.WithPolicy(policy.NamePool), engine.WithJournal(journal))
	mem := storage.NewManager(logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.WaitForAllContext(ctx)
		eng.Broker().Close()
		_ = reg.Close(ctx)
		_ = journal.Close(ctx)
		mem.Close()
		s.Close()
	})

	return &testServer{
		Server:  NewServer(":0", eng, mem, s, logger),
		journal: journal,
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := builtin.NewRegistry(builtin.Options{Workers: 1}, logger)
	defer reg.Close(context.Background())
	srv := NewServer("127.0.0.1:0", engine.NewEngine(reg, logger), nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
