package metrics_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/svcman/internal/metrics"
	"github.com/CZERTAINLY/svcman/internal/model"
)

func TestDownloads(t *testing.T) {
	t.Parallel()
	m := metrics.New(prometheus.NewRegistry())

	m.DownloadSkipped("svc-a", "installed")
	m.DownloadStarted("svc-a")
	require.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsInFlight))
	m.DownloadBytes("svc-a", 10)
	m.DownloadBytes("svc-a", 22)
	m.DownloadFinished("svc-a", nil)

	m.DownloadStarted("svc-b")
	m.DownloadFinished("svc-b", model.Errorf(model.KindNetwork, "download", "svc-b", "boom"))

	require.Zero(t, testutil.ToFloat64(m.DownloadsInFlight))
	require.Equal(t, 32.0, testutil.ToFloat64(m.BytesTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("network")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsSkipped.WithLabelValues("installed")))
}

func TestProcesses(t *testing.T) {
	t.Parallel()
	m := metrics.New(nil)

	m.ProcessStarted("svc-a", nil)
	m.ProcessStarted("svc-a", model.Errorf(model.KindConflict, "run", "svc-a", "already running"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ProcessRunning))

	m.ProcessStopped("svc-a", true, nil)
	m.ProcessExited("svc-a", -1)
	m.ProcessStopped("svc-b", false, errors.New("plain"))

	require.Zero(t, testutil.ToFloat64(m.ProcessRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ProcessStarts.WithLabelValues("conflict")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ProcessStops.WithLabelValues("killed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ProcessStops.WithLabelValues("unknown")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ProcessExits.WithLabelValues("signal")))
}

func TestExposition(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.DownloadBytes("svc-a", 5)

	expected := `
# HELP svcman_download_bytes_total Total number of downloaded bytes
# TYPE svcman_download_bytes_total counter
svcman_download_bytes_total 5
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "svcman_download_bytes_total")
	require.NoError(t, err)
}
