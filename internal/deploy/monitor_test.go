package deploy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prometheusServer(t *testing.T, status int, body string) (*httptest.Server, *string) {
	t.Helper()
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query_range" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		gotQuery = r.Form.Get("query")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &gotQuery
}

func TestPrometheusMonitor_Query(t *testing.T) {
	srv, gotQuery := prometheusServer(t, http.StatusOK, `{
		"status": "success",
		"data": {
			"resultType": "matrix",
			"result": [
				{"metric": {"service": "api"}, "values": [[1700000000, "0"], [1700000030, "2.5"], [1700000060, "NaN"]]},
				{"metric": {"service": "web"}, "values": [[1700000000, "1"]]}
			]
		}
	}`)

	m, err := NewPrometheusMonitor(srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	end := time.Unix(1700000060, 0)
	values, err := m.Query(context.Background(), MetricQuery{
		Expr:  `sum(rate(errors_total[5m]))`,
		Start: end.Add(-time.Minute),
		End:   end,
		Step:  30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2.5, 1}, values)
	assert.Equal(t, `sum(rate(errors_total[5m]))`, *gotQuery)
}

func TestPrometheusMonitor_EmptyResult(t *testing.T) {
	srv, _ := prometheusServer(t, http.StatusOK, `{"status":"success","data":{"resultType":"matrix","result":[]}}`)
	m, err := NewPrometheusMonitor(srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	values, err := m.Query(context.Background(), MetricQuery{Expr: "up", Start: time.Now().Add(-time.Minute), End: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestPrometheusMonitor_ServerError(t *testing.T) {
	srv, _ := prometheusServer(t, http.StatusBadRequest, `{"status":"error","errorType":"bad_data","error":"parse error"}`)
	m, err := NewPrometheusMonitor(srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	_, err = m.Query(context.Background(), MetricQuery{Expr: "up{", Start: time.Now().Add(-time.Minute), End: time.Now()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMonitorUnavailable)
}

func TestNewPrometheusMonitor_RequiresAddress(t *testing.T) {
	_, err := NewPrometheusMonitor("", nil, nil)
	require.Error(t, err)
}
