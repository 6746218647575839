package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

func TestTLSCert_Fetch(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	notAfter := srv.Certificate().NotAfter
	c := NewTLSCert()
	c.now = func() time.Time { return notAfter.Add(-10*24*time.Hour - time.Hour) }

	for _, addr := range []string{srv.URL, srv.Listener.Addr().String()} {
		got, err := c.Fetch(context.Background(), types.InstanceRef{Name: "db-1", Address: addr}, types.VersionedQuery{})
		if err != nil {
			t.Fatalf("Fetch(%s): %v", addr, err)
		}
		if v, _ := got.Primary(); v.IntPart() != 10 {
			t.Errorf("%s days_left: got %v, want 10", addr, v)
		}
		if got["hours_left"].IntPart() != 241 {
			t.Errorf("%s hours_left: got %v, want 241", addr, got["hours_left"])
		}
	}
}

func TestTLSCert_Expired(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewTLSCert()
	c.now = func() time.Time { return srv.Certificate().NotAfter.Add(36 * time.Hour) }
	got, err := c.Fetch(context.Background(), types.InstanceRef{Name: "db-1", Address: srv.URL}, types.VersionedQuery{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if v, _ := got.Primary(); v.IntPart() != -2 {
		t.Errorf("days_left: got %v, want -2", v)
	}
}

func TestTLSCert_Errors(t *testing.T) {
	closed := httptest.NewTLSServer(http.NotFoundHandler())
	addr := closed.Listener.Addr().String()
	closed.Close()

	cases := []struct {
		addr string
		want types.ErrorKind
	}{
		{"", types.ErrConfiguration},
		{"http://db.example.com", types.ErrConfiguration},
		{addr, types.ErrUnreachable},
	}
	c := NewTLSCert()
	for _, tc := range cases {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := c.Fetch(ctx, types.InstanceRef{Name: "db-1", Address: tc.addr}, types.VersionedQuery{})
		cancel()
		if got := Classify(err); got != tc.want {
			t.Errorf("%q: got %q (%v), want %q", tc.addr, got, err, tc.want)
		}
	}
}

func TestTLSHost(t *testing.T) {
	cases := map[string]string{
		"db.example.com":                "db.example.com:443",
		"db.example.com:3307":           "db.example.com:3307",
		"https://db.example.com":        "db.example.com:443",
		"https://db.example.com:8443/x": "db.example.com:8443",
	}
	for in, want := range cases {
		got, err := tlsHost(in)
		if err != nil || got != want {
			t.Errorf("tlsHost(%q): got %q %v, want %q", in, got, err, want)
		}
	}
}
