package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/model"
)

func TestStreamEventsReceivesCompletions(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events?status=failed", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	v := srv.engine.NewVariable()
	for _, fail := range []bool{false, true, false} {
		err := srv.engine.PushSync(func(engine.RunContext) error {
			if fail {
				return errors.New("boom")
			}
			return nil
		}, model.CPU(0), nil, []*engine.Var{v}, model.PropNormal, engine.WithName("step"))
		if err != nil {
			t.Fatalf("PushSync: %v", err)
		}
	}
	_ = srv.engine.WaitForAllContext(ctx)
	srv.engine.Broker().Close()

	scanner := bufio.NewScanner(resp.Body)
	var events, names []string
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	if names[0] != "op" || names[1] != "done" {
		t.Errorf("event names = %v, want [op done]", names)
	}
	var rec model.OpRecord
	if err := json.Unmarshal([]byte(events[0]), &rec); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if rec.Status != model.StatusFailed || rec.Error != "boom" || rec.Name != "step" {
		t.Errorf("event = %+v, want failed step with error boom", rec)
	}
}

func TestStreamEventsBadStatus(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events?status=running")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
