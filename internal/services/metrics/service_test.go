package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestService() *Service {
	return NewService(arbor.NewLogger())
}

// seedHistory appends synthetic reports with fixed durations
func seedHistory(s *Service, durations ...time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range durations {
		s.history = append(s.history, Report{
			OperationID: fmt.Sprintf("seed_%d", i),
			Duration:    d,
		})
	}
}

func TestStartEndProducesReport(t *testing.T) {
	s := newTestService()

	s.Start("op_1", map[string]interface{}{"tokens": 500})
	time.Sleep(10 * time.Millisecond)
	report, err := s.End("op_1")
	require.NoError(t, err)

	assert.Equal(t, "op_1", report.OperationID)
	assert.GreaterOrEqual(t, report.Duration, 10*time.Millisecond)
	assert.Greater(t, report.Throughput, 0.0)
	assert.Equal(t, 1, s.HistoryLen())
}

func TestEndUnknownOperation(t *testing.T) {
	s := newTestService()
	_, err := s.End("op_missing")
	assert.Error(t, err)
}

func TestThroughputOmittedWithoutTokenMetadata(t *testing.T) {
	s := newTestService()

	s.Start("op_1", nil)
	report, err := s.End("op_1")
	require.NoError(t, err)
	assert.Zero(t, report.Throughput)
	assert.NotContains(t, report.Bottlenecks, "low_throughput")
}

func TestLowThroughputFlagged(t *testing.T) {
	s := newTestService()

	s.Start("op_1", map[string]interface{}{"tokens": 1})
	time.Sleep(20 * time.Millisecond) // 1 token over 20ms = 50 tok/s
	report, err := s.End("op_1")
	require.NoError(t, err)

	assert.Contains(t, report.Bottlenecks, "low_throughput")
	assert.NotEmpty(t, report.Recommendations)
}

func TestHistoryTrimming(t *testing.T) {
	s := newTestService()

	for i := 0; i < 1001; i++ {
		id := fmt.Sprintf("op_%d", i)
		s.Start(id, nil)
		_, err := s.End(id)
		require.NoError(t, err)
	}

	assert.Equal(t, 500, s.HistoryLen())
}

func TestAverageMetricsWithFilter(t *testing.T) {
	s := newTestService()
	seedHistory(s, 100*time.Millisecond, 200*time.Millisecond)
	s.mu.Lock()
	s.history = append(s.history, Report{OperationID: "generate_1", Duration: 300 * time.Millisecond})
	s.mu.Unlock()

	all := s.AverageMetrics("")
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, 200*time.Millisecond, all.AvgDuration)

	filtered := s.AverageMetrics("generate")
	assert.Equal(t, 1, filtered.Count)
	assert.Equal(t, 300*time.Millisecond, filtered.AvgDuration)
}

func TestTrendInsufficientData(t *testing.T) {
	s := newTestService()
	seedHistory(s, 10*time.Millisecond, 20*time.Millisecond)

	trend := s.AnalyzeTrend(5)
	assert.Equal(t, TrendStable, trend.Direction)
	assert.Contains(t, trend.Note, "insufficient data")
}

func TestTrendClassification(t *testing.T) {
	tests := []struct {
		name     string
		previous time.Duration
		recent   time.Duration
		want     TrendDirection
	}{
		{"degrading", 100 * time.Millisecond, 150 * time.Millisecond, TrendDegrading},
		{"improving", 100 * time.Millisecond, 50 * time.Millisecond, TrendImproving},
		{"stable within threshold", 100 * time.Millisecond, 105 * time.Millisecond, TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService()
			for i := 0; i < 5; i++ {
				seedHistory(s, tt.previous)
			}
			for i := 0; i < 5; i++ {
				seedHistory(s, tt.recent)
			}

			trend := s.AnalyzeTrend(5)
			assert.Equal(t, tt.want, trend.Direction)
			assert.Empty(t, trend.Note)
		})
	}
}
