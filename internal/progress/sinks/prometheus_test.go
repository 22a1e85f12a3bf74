package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-scraper/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "j1", Kind: "full", TS: now, Stage: progress.StageJobStart},
		{JobID: "j1", Kind: "full", TS: now, Stage: progress.StageJobStart},
		{JobID: "j1", Kind: "full", TS: now.Add(time.Second), Stage: progress.StagePaused, Dur: 30 * time.Second},
		{JobID: "j1", Kind: "full", TS: now.Add(time.Minute), Stage: progress.StageJobDone, Items: 120, Dur: time.Minute},
		{JobID: "j2", Kind: "incremental", TS: now, Stage: progress.StageJobStart},
		{JobID: "j2", Kind: "incremental", TS: now, Stage: progress.StageJobError, Note: "channel_access_error: private"},
		{JobID: "m1", Kind: "media", TS: now, Stage: progress.StageMediaDone, Bytes: 2048},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("full")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("full", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("incremental", "error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsPaused))
	require.InDelta(t, 120.0, testutil.ToFloat64(sink.itemsSeen.WithLabelValues("full")), 1e-9)
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.mediaBytes), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.pauseDuration, "scraper_job_pause_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
