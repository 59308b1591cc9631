package deploy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// MetricQuery is a range query against the monitor.
type MetricQuery struct {
	Expr  string
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// Monitor answers metric queries.
type Monitor interface {
	Query(ctx context.Context, q MetricQuery) ([]float64, error)
}

// PrometheusMonitor queries a Prometheus-compatible HTTP API.
type PrometheusMonitor struct {
	api    promv1.API
	logger *zap.Logger
}

// NewPrometheusMonitor returns a monitor for the server at address.
func NewPrometheusMonitor(address string, httpClient *http.Client, logger *zap.Logger) (*PrometheusMonitor, error) {
	if address == "" {
		return nil, errors.New("prometheus address is required")
	}
	client, err := api.NewClient(api.Config{Address: address, Client: httpClient})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrometheusMonitor{api: promv1.NewAPI(client), logger: logger}, nil
}

// Query returns every sample of every series the expression yields, in
// series then time order. NaN samples are skipped.
func (m *PrometheusMonitor) Query(ctx context.Context, q MetricQuery) ([]float64, error) {
	step := q.Step
	if step <= 0 {
		step = 30 * time.Second
	}
	value, warnings, err := m.api.QueryRange(ctx, q.Expr, promv1.Range{Start: q.Start, End: q.End, Step: step})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMonitorUnavailable, err)
	}
	if len(warnings) > 0 {
		m.logger.Warn("prometheus query returned warnings",
			zap.String("query", q.Expr),
			zap.Strings("warnings", warnings),
		)
	}

	var samples []float64
	add := func(v model.SampleValue) {
		if f := float64(v); !math.IsNaN(f) {
			samples = append(samples, f)
		}
	}
	switch v := value.(type) {
	case model.Matrix:
		for _, series := range v {
			for _, p := range series.Values {
				add(p.Value)
			}
		}
	case model.Vector:
		for _, s := range v {
			add(s.Value)
		}
	case *model.Scalar:
		add(v.Value)
	default:
		return nil, fmt.Errorf("%w: unexpected result type %s", ErrMonitorUnavailable, value.Type())
	}
	return samples, nil
}
