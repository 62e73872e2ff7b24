package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/model"
)

func postBarrier(t *testing.T, url string) (int, barrierResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var body barrierResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, body
}

func TestBarrierIdle(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	code, body := postBarrier(t, ts.URL+"/v1/barrier")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("barrier = %d %+v, want 200 ok", code, body)
	}
}

func TestBarrierTimeout(t *testing.T) {
	srv := newTestServer(t)
	release := make(chan struct{})
	err := srv.engine.PushAsync(func(_ engine.RunContext, cb engine.Callback) {
		go func() {
			<-release
			cb.Done(nil)
		}()
	}, model.CPU(0), nil, nil, model.PropAsync)
	if err != nil {
		t.Fatalf("PushAsync: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	code, body := postBarrier(t, ts.URL+"/v1/barrier?timeout=50ms")
	if code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", code)
	}
	if body.Pending != 1 {
		t.Errorf("pending = %d, want 1", body.Pending)
	}

	close(release)
	code, _ = postBarrier(t, ts.URL+"/v1/barrier?timeout=5s")
	if code != http.StatusOK {
		t.Errorf("status after release = %d, want 200", code)
	}
}

func TestBarrierReportsFailuresOnce(t *testing.T) {
	srv := newTestServer(t)
	err := srv.engine.PushSync(func(engine.RunContext) error {
		return errors.New("kaboom")
	}, model.CPU(0), nil, nil, model.PropNormal)
	if err != nil {
		t.Fatalf("PushSync: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	code, body := postBarrier(t, ts.URL+"/v1/barrier?timeout=5s")
	if code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
	if !strings.Contains(body.Error, "kaboom") {
		t.Errorf("error = %q, want it to mention kaboom", body.Error)
	}

	code, _ = postBarrier(t, ts.URL+"/v1/barrier?timeout=5s")
	if code != http.StatusOK {
		t.Errorf("second barrier status = %d, want 200", code)
	}
}

func TestBarrierBadTimeout(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/barrier?timeout=soon", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
