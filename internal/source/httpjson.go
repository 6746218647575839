package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// HTTPJSON reads numeric fields from a JSON status endpoint
// (InstanceRef.MetricsURL), such as a proxy or agent health API.
type HTTPJSON struct {
	client *http.Client
}

// NewHTTPJSON returns an HTTPJSON adapter. A nil client uses a default
// with a 10s timeout.
func NewHTTPJSON(client *http.Client) *HTTPJSON {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPJSON{client: client}
}

// Fetch decodes the response and resolves each dotted path in q.Text
// ("replication.lag_seconds", "pools.0.active"). Each path becomes a metric
// named by the path itself.
func (h *HTTPJSON) Fetch(ctx context.Context, inst types.InstanceRef, q types.VersionedQuery) (types.RawMetrics, error) {
	paths := splitList(q.Text)
	if len(paths) == 0 {
		return nil, fetchErr(types.ErrConfiguration, inst.Name, errors.New("query names no json path"))
	}
	if inst.MetricsURL == "" {
		return nil, fetchErr(types.ErrConfiguration, inst.Name, errors.New("instance has no metrics_url"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.MetricsURL, nil)
	if err != nil {
		return nil, fetchErr(types.ErrConfiguration, inst.Name, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
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

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fetchErr(types.ErrQuery, inst.Name, fmt.Errorf("decode json: %w", err))
	}

	out := make(types.RawMetrics, len(paths)+1)
	for _, p := range paths {
		if v, ok := lookupPath(doc, p); ok {
			if d, ok := toDecimal(v); ok {
				out[p] = d
			}
		}
	}
	key := q.Metric
	if key == "" {
		key = paths[0]
	}
	return withPrimary(out, key, inst.Name)
}

// lookupPath walks objects by key and arrays by index.
func lookupPath(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
