package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// TLSCert reports how long an instance's leaf certificate remains valid.
// Metrics: days_left (primary, floored, negative once expired) and
// hours_left.
type TLSCert struct {
	now func() time.Time
}

// NewTLSCert returns a TLSCert adapter.
func NewTLSCert() *TLSCert {
	return &TLSCert{now: time.Now}
}

// Fetch dials InstanceRef.Address ("host:port" or an https URL; port 443
// when omitted) and inspects the leaf certificate.
func (c *TLSCert) Fetch(ctx context.Context, inst types.InstanceRef, q types.VersionedQuery) (types.RawMetrics, error) {
	host, err := tlsHost(inst.Address)
	if err != nil {
		return nil, fetchErr(types.ErrConfiguration, inst.Name, err)
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			// Expiry is read even from untrusted or already expired chains.
			InsecureSkipVerify: true, //nolint:gosec
		},
	}
	netConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		kind := Classify(err)
		if kind == types.ErrQuery {
			kind = types.ErrUnreachable
		}
		return nil, fetchErr(kind, inst.Name, fmt.Errorf("tls dial %s: %w", host, err))
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, fetchErr(types.ErrQuery, inst.Name, errors.New("no peer certificate"))
	}

	left := peers[0].NotAfter.Sub(c.now())
	days := math.Floor(left.Hours() / 24)
	out := types.RawMetrics{
		"days_left":  decimal.NewFromFloat(days),
		"hours_left": decimal.NewFromFloat(math.Floor(left.Hours())),
	}
	key := q.Metric
	if key == "" {
		key = "days_left"
	}
	return withPrimary(out, key, inst.Name)
}

func tlsHost(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("instance has no address")
	}
	host := addr
	if u, err := url.Parse(addr); err == nil && u.Scheme != "" && u.Host != "" {
		if u.Scheme != "https" {
			return "", fmt.Errorf("address %q is not https", addr)
		}
		host = u.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	return host, nil
}
