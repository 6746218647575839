package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/shopspring/decimal"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

const defaultHTTPTimeout = 10 * time.Second

// Prometheus reads metric families from an instance's exporter endpoint
// (InstanceRef.MetricsURL), e.g. mysqld_exporter.
type Prometheus struct {
	client *http.Client
}

// NewPrometheus returns a Prometheus adapter. A nil client uses a default
// with a 10s timeout.
func NewPrometheus(client *http.Client) *Prometheus {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Prometheus{client: client}
}

// Fetch scrapes the endpoint and sums every family named in q.Text across
// its series. The first family (or q.Metric) becomes PrimaryMetric.
func (p *Prometheus) Fetch(ctx context.Context, inst types.InstanceRef, q types.VersionedQuery) (types.RawMetrics, error) {
	names := splitList(q.Text)
	if len(names) == 0 {
		return nil, fetchErr(types.ErrConfiguration, inst.Name, errors.New("query names no metric family"))
	}
	if inst.MetricsURL == "" {
		return nil, fetchErr(types.ErrConfiguration, inst.Name, errors.New("instance has no metrics_url"))
	}

	mfs, err := p.scrape(ctx, inst)
	if err != nil {
		return nil, err
	}

	out := make(types.RawMetrics, len(names)+1)
	for _, name := range names {
		if mf, ok := mfs[name]; ok {
			out[name] = decimal.NewFromFloat(sumFamily(mf))
		}
	}
	key := q.Metric
	if key == "" {
		key = names[0]
	}
	return withPrimary(out, key, inst.Name)
}

func (p *Prometheus) scrape(ctx context.Context, inst types.InstanceRef) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.MetricsURL, nil)
	if err != nil {
		return nil, fetchErr(types.ErrConfiguration, inst.Name, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fetchErr(Classify(err), inst.Name, fmt.Errorf("http get: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fetchErr(types.ErrUnreachable, inst.Name, fmt.Errorf("unexpected status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fetchErr(types.ErrQuery, inst.Name, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	mfs, err := parseMetrics(resp.Body)
	if err != nil {
		return nil, fetchErr(types.ErrQuery, inst.Name, err)
	}
	return mfs, nil
}

// parseMetrics decodes a Prometheus text exposition. A partial result with
// a trailing parse warning is still a success.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up the counter, gauge or untyped values of a family.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
