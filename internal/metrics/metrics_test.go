package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RenderText_IncludesCounters(t *testing.T) {
	m := New()
	m.JobsEnqueued.WithLabelValues("initial").Inc()
	m.QueueDepth.WithLabelValues("pending").Set(3)

	text, err := m.RenderText()
	require.NoError(t, err)
	assert.Contains(t, text, "pibrain_jobs_enqueued_total")
	assert.Contains(t, text, "pibrain_queue_depth")
}

func TestTimer_ObserveSeconds_RecordsSample(t *testing.T) {
	m := New()
	timer := NewTimer()
	timer.ObserveSeconds(m.AnalyzerDuration, "success")

	families, err := m.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "pibrain_analyzer_invocation_duration_seconds" {
			found = true
			require.Len(t, f.Metric, 1)
			assert.EqualValues(t, 1, f.Metric[0].Histogram.GetSampleCount())
		}
	}
	assert.True(t, found)
}
