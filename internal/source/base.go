package source

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// Adapter fetches raw metric values for one instance. Implementations must
// honour ctx; the executor enforces the deadline regardless.
type Adapter interface {
	Fetch(ctx context.Context, inst types.InstanceRef, q types.VersionedQuery) (types.RawMetrics, error)
}

// VersionDetector is implemented by adapters that can discover an
// instance's platform version (see types.ParseVersion).
type VersionDetector interface {
	DetectVersion(ctx context.Context, inst types.InstanceRef) (int, error)
}

// FetchError classifies an adapter failure.
type FetchError struct {
	Kind     types.ErrorKind
	Instance string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Instance, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func fetchErr(kind types.ErrorKind, inst string, err error) *FetchError {
	return &FetchError{Kind: kind, Instance: inst, Err: err}
}

// Classify maps any error to the ErrorKind the executor records. A
// *FetchError keeps its kind; deadline and network failures are detected;
// everything else is a QueryError.
func Classify(err error) types.ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var re *types.RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return types.ErrTimeout
		}
		return types.ErrUnreachable
	}
	if errors.Is(err, driver.ErrBadConn) {
		return types.ErrUnreachable
	}
	return types.ErrQuery
}

// Registry maps a collector's Source name to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds name to a. A later call with the same name replaces it.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	r.adapters[name] = a
	r.mu.Unlock()
}

// Get returns the adapter bound to name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists the registered adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// splitList splits comma-separated query text into trimmed, non-empty items.
func splitList(text string) []string {
	var out []string
	for _, part := range strings.Split(text, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// withPrimary copies metrics[key] into PrimaryMetric, failing with a
// QueryError when the key produced no numeric value.
func withPrimary(m types.RawMetrics, key, inst string) (types.RawMetrics, error) {
	v, ok := m[key]
	if !ok {
		return nil, fetchErr(types.ErrQuery, inst, fmt.Errorf("no numeric value for %q", key))
	}
	m[types.PrimaryMetric] = v
	return m, nil
}

// toDecimal converts a scanned driver or JSON value to a decimal.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil:
		return decimal.Decimal{}, false
	case int64:
		return decimal.NewFromInt(x), true
	case int32:
		return decimal.NewFromInt32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0), true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case bool:
		if x {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	case []byte:
		return parseNumber(string(x))
	case string:
		return parseNumber(x)
	case fmt.Stringer:
		return parseNumber(x.String())
	default:
		return decimal.Decimal{}, false
	}
}

// parseNumber accepts decimal text and the ON/OFF spelling MySQL uses for
// boolean status variables.
func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "ON", "YES", "TRUE":
		return decimal.NewFromInt(1), true
	case "OFF", "NO", "FALSE":
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
