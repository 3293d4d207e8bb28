package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeRegistersMetrics(t *testing.T) {
	srv := Serve("127.0.0.1:0")
	defer Shutdown(srv)

	HubDropped.WithLabelValues("sub-test").Inc()
	assert.InDelta(t, 1, testutil.ToFloat64(HubDropped.WithLabelValues("sub-test")), 1e-9)

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "polycopy_hub_dropped_total" {
			found = true
			break
		}
	}
	assert.True(t, found, "polycopy_hub_dropped_total not registered")
}
