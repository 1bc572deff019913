package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter sums a counter family across the series matching labels
func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRecordValidation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordValidation(true, nil, time.Millisecond)
	m.RecordValidation(false, []string{"ForbiddenOperator", "MutationAttempt"}, time.Millisecond)
	m.RecordValidation(false, []string{"ForbiddenOperator"}, time.Millisecond)

	assert.Equal(t, 1.0, counter(t, reg, "scriptgov_validations_total", map[string]string{"outcome": "accepted"}))
	assert.Equal(t, 2.0, counter(t, reg, "scriptgov_validations_total", map[string]string{"outcome": "rejected"}))
	assert.Equal(t, 2.0, counter(t, reg, "scriptgov_violations_total", map[string]string{"rule": "ForbiddenOperator"}))
	assert.Equal(t, 1.0, counter(t, reg, "scriptgov_violations_total", map[string]string{"rule": "MutationAttempt"}))
}

func TestRecordStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordStoreOperation("append", nil, time.Millisecond)
	m.RecordStoreOperation("restore", errors.New("boom"), time.Millisecond)
	m.RecordTruncation(3)
	m.RecordTruncation(2)

	assert.Equal(t, 1.0, counter(t, reg, "scriptgov_store_operations_total", map[string]string{"operation": "append", "status": "success"}))
	assert.Equal(t, 1.0, counter(t, reg, "scriptgov_store_operations_total", map[string]string{"operation": "restore", "status": "error"}))
	assert.Equal(t, 5.0, counter(t, reg, "scriptgov_truncated_versions_total", nil))
}

func TestRecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordHTTPRequest("GET", "/api/scripts", 200, time.Millisecond)
	m.RecordHTTPRequest("GET", "/api/scripts", 200, time.Millisecond)
	m.RecordHTTPRequest("GET", "/api/scripts", 404, time.Millisecond)

	assert.Equal(t, 2.0, counter(t, reg, "scriptgov_http_requests_total", map[string]string{"code": "200"}))
	assert.Equal(t, 3.0, counter(t, reg, "scriptgov_http_requests_total", map[string]string{"route": "/api/scripts"}))
}

func TestSeparateRegistries(t *testing.T) {
	// registering twice on one registry panics; fresh registries never collide
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
	assert.Panics(t, func() {
		reg := prometheus.NewRegistry()
		NewMetrics(reg)
		NewMetrics(reg)
	})
}
