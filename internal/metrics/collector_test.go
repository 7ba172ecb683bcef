package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.TransferStarted("speech")
	c.TransferStarted("speech")
	c.TransferCompleted("speech", 1024, 2*time.Second)
	c.TransferFailed("language", "TRANSFER_FAILED")
	c.SetInstalled("speech", 3)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(c.transfersStarted.WithLabelValues("speech")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.transfersCompleted.WithLabelValues("speech")))
	assert.Equal(t, float64(1024),
		testutil.ToFloat64(c.bytesDownloaded.WithLabelValues("speech")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.transfersFailed.WithLabelValues("language", "TRANSFER_FAILED")))
	assert.Equal(t, float64(3),
		testutil.ToFloat64(c.installedArtifacts.WithLabelValues("speech")))
}

func TestCollector_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.TransferStarted("speech")

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "modelstore_transfers_started_total")
}
