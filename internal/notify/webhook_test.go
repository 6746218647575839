package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

type captured struct {
	mu     sync.Mutex
	bodies []string
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, string(b))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *captured) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

func TestRelay_Slack(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()

	r := NewRelay([]Webhook{{Type: "slack", URL: srv.URL}}, srv.Client())
	r.Deliver(context.Background(), ScoreUpdated(types.CompositeHealthScore{InstanceName: "db-1", Score: 40, Status: types.StatusCritical}))

	bodies := got.all()
	if len(bodies) != 1 {
		t.Fatalf("deliveries: got %d, want 1", len(bodies))
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(bodies[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(m["text"], "*[CRITICAL]*") || !strings.Contains(m["text"], "db-1 health score 40") {
		t.Errorf("text: got %q", m["text"])
	}
}

func TestRelay_TeamsAndHTTP(t *testing.T) {
	var teams, plain captured
	teamsSrv := httptest.NewServer(teams.handler(http.StatusOK))
	defer teamsSrv.Close()
	plainSrv := httptest.NewServer(plain.handler(http.StatusOK))
	defer plainSrv.Close()

	r := NewRelay([]Webhook{
		{Type: "teams", URL: teamsSrv.URL},
		{Type: "http", URL: plainSrv.URL},
	}, nil)
	r.Deliver(context.Background(), RunCompleted(types.ExecutionRecord{CollectorName: "cpu", Status: types.RunFailed}))

	if b := teams.all(); len(b) != 1 || !strings.Contains(b[0], `"themeColor":"FFAB40"`) {
		t.Errorf("teams: got %v", b)
	}
	b := plain.all()
	if len(b) != 1 {
		t.Fatalf("http: got %d deliveries", len(b))
	}
	var m map[string]any
	_ = json.Unmarshal([]byte(b[0]), &m)
	if m["event"] != string(KindCollectorRunCompleted) {
		t.Errorf("http event: got %v", m["event"])
	}
}

func TestRelay_EventFilterAndEmptyURL(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()

	r := NewRelay([]Webhook{
		{Type: "http", URL: srv.URL, Events: []Kind{KindCollectorRunCompleted}},
		{Type: "http", URL: ""},
		{Type: "pager", URL: srv.URL},
	}, nil)
	r.Deliver(context.Background(), ScoreUpdated(types.CompositeHealthScore{InstanceName: "db-1"}))
	if n := len(got.all()); n != 0 {
		t.Errorf("filtered event delivered %d times", n)
	}
}

func TestRelay_ErrorStatusDoesNotPanic(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusInternalServerError))
	defer srv.Close()

	r := NewRelay([]Webhook{{Type: "http", URL: srv.URL}}, nil)
	r.Deliver(context.Background(), RunCompleted(types.ExecutionRecord{CollectorName: "cpu"}))
	if n := len(got.all()); n != 1 {
		t.Errorf("attempts: got %d, want 1", n)
	}
}

func TestRelay_RunStopsOnClose(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()

	ch := make(chan Event, 2)
	ch <- RunCompleted(types.ExecutionRecord{CollectorName: "cpu"})
	ch <- RunCompleted(types.ExecutionRecord{CollectorName: "mem"})
	close(ch)

	NewRelay([]Webhook{{Type: "http", URL: srv.URL}}, nil).Run(context.Background(), ch)
	if n := len(got.all()); n != 2 {
		t.Errorf("deliveries: got %d, want 2", n)
	}
}

func TestRelay_CooldownSuppressesRepeatedStatus(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRelay([]Webhook{{Type: "http", URL: srv.URL, Cooldown: time.Hour}}, srv.Client())
	r.now = func() time.Time { return now }

	score := func(s int, status string) Event {
		return ScoreUpdated(types.CompositeHealthScore{InstanceName: "db-1", Score: s, Status: status})
	}
	ctx := context.Background()

	r.Deliver(ctx, score(80, "Warning"))
	r.Deliver(ctx, score(79, "Warning")) // same status, within cooldown
	r.Deliver(ctx, score(50, types.StatusCritical))
	now = now.Add(2 * time.Hour)
	r.Deliver(ctx, score(50, types.StatusCritical)) // cooldown elapsed

	if n := len(got.all()); n != 3 {
		t.Errorf("deliveries: got %d, want 3", n)
	}
}
