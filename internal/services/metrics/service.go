package metrics

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

const (
	historyCap  = 1000
	historyTrim = 500

	slowOperationThreshold = 5 * time.Second
	highMemoryThreshold    = 50 * 1024 * 1024 // 50MB
	lowThroughputThreshold = 100.0            // tokens/sec
)

// sample is an in-flight operation awaiting End
type sample struct {
	operationID string
	startedAt   time.Time
	startHeap   uint64
	metadata    map[string]interface{}
}

// Report is the completed measurement for one operation
type Report struct {
	OperationID     string
	StartedAt       time.Time
	EndedAt         time.Time
	Duration        time.Duration
	MemoryDelta     int64
	Throughput      float64 // tokens/sec, zero when no token metadata
	Bottlenecks     []string
	Recommendations []string
	Metadata        map[string]interface{}
}

// Averages aggregates duration/memory/throughput across history entries
type Averages struct {
	Count          int
	AvgDuration    time.Duration
	AvgMemoryDelta int64
	AvgThroughput  float64
}

// TrendDirection classifies recent performance movement
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDegrading TrendDirection = "degrading"
	TrendStable    TrendDirection = "stable"
)

// Trend compares the most recent window against the preceding one
type Trend struct {
	Direction  TrendDirection
	ChangePct  float64
	WindowSize int
	Note       string
}

// Service captures per-operation timing, memory, and throughput, detects
// bottlenecks against fixed thresholds, and keeps a bounded report history
// for aggregate and trend analysis.
type Service struct {
	mu       sync.Mutex
	inflight map[string]*sample
	history  []Report
	logger   arbor.ILogger
}

func NewService(logger arbor.ILogger) *Service {
	return &Service{
		inflight: make(map[string]*sample),
		logger:   logger,
	}
}

// Start begins measuring an operation. Metadata may carry a "tokens" count
// used for throughput on End.
func (s *Service) Start(operationID string, metadata map[string]interface{}) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	s.inflight[operationID] = &sample{
		operationID: operationID,
		startedAt:   time.Now(),
		startHeap:   mem.HeapAlloc,
		metadata:    metadata,
	}
	s.mu.Unlock()
}

// End completes the measurement, appends the report to history, and
// returns it. Ending an unknown operation is an error.
func (s *Service) End(operationID string) (*Report, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	smp, ok := s.inflight[operationID]
	if !ok {
		return nil, fmt.Errorf("no started operation with id %s", operationID)
	}
	delete(s.inflight, operationID)

	report := Report{
		OperationID: operationID,
		StartedAt:   smp.startedAt,
		EndedAt:     now,
		Duration:    now.Sub(smp.startedAt),
		MemoryDelta: int64(mem.HeapAlloc) - int64(smp.startHeap),
		Metadata:    smp.metadata,
	}

	if tokens, ok := tokenCount(smp.metadata); ok && report.Duration > 0 {
		report.Throughput = float64(tokens) / report.Duration.Seconds()
	}

	s.flagBottlenecks(&report)

	s.history = append(s.history, report)
	if len(s.history) > historyCap {
		s.history = append([]Report(nil), s.history[len(s.history)-historyTrim:]...)
	}

	return &report, nil
}

func tokenCount(metadata map[string]interface{}) (int, bool) {
	if metadata == nil {
		return 0, false
	}
	switch v := metadata["tokens"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func (s *Service) flagBottlenecks(report *Report) {
	if report.Duration > slowOperationThreshold {
		report.Bottlenecks = append(report.Bottlenecks, "slow_operation")
		report.Recommendations = append(report.Recommendations,
			"Operation exceeded 5s; consider splitting the prompt or using a faster model")
	}
	if report.MemoryDelta > highMemoryThreshold {
		report.Bottlenecks = append(report.Bottlenecks, "high_memory")
		report.Recommendations = append(report.Recommendations,
			"Memory grew by more than 50MB; stream or chunk large payloads")
	}
	if report.Throughput > 0 && report.Throughput < lowThroughputThreshold {
		report.Bottlenecks = append(report.Bottlenecks, "low_throughput")
		report.Recommendations = append(report.Recommendations,
			"Throughput below 100 tokens/sec; check provider latency or reduce output size")
	}

	if len(report.Bottlenecks) > 0 {
		s.logger.Debug().
			Str("operation_id", report.OperationID).
			Strs("bottlenecks", report.Bottlenecks).
			Dur("duration", report.Duration).
			Msg("Operation flagged bottlenecks")
	}
}

// AverageMetrics aggregates history entries whose operation id contains the
// filter substring. An empty filter matches everything.
func (s *Service) AverageMetrics(filter string) Averages {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Averages
	var totalDuration time.Duration
	var totalMemory int64
	var totalThroughput float64
	throughputCount := 0

	for _, r := range s.history {
		if filter != "" && !strings.Contains(r.OperationID, filter) {
			continue
		}
		out.Count++
		totalDuration += r.Duration
		totalMemory += r.MemoryDelta
		if r.Throughput > 0 {
			totalThroughput += r.Throughput
			throughputCount++
		}
	}

	if out.Count > 0 {
		out.AvgDuration = totalDuration / time.Duration(out.Count)
		out.AvgMemoryDelta = totalMemory / int64(out.Count)
	}
	if throughputCount > 0 {
		out.AvgThroughput = totalThroughput / float64(throughputCount)
	}
	return out
}

// AnalyzeTrend compares the mean duration of the most recent window against
// the immediately preceding window of equal size, classifying with a ±10%
// threshold. Insufficient history reports stable with an explicit note.
func (s *Service) AnalyzeTrend(windowSize int) Trend {
	if windowSize <= 0 {
		windowSize = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) < 2*windowSize {
		return Trend{
			Direction:  TrendStable,
			WindowSize: windowSize,
			Note:       fmt.Sprintf("insufficient data: %d samples, need %d", len(s.history), 2*windowSize),
		}
	}

	recent := s.history[len(s.history)-windowSize:]
	previous := s.history[len(s.history)-2*windowSize : len(s.history)-windowSize]

	recentMean := meanDuration(recent)
	previousMean := meanDuration(previous)
	if previousMean == 0 {
		return Trend{Direction: TrendStable, WindowSize: windowSize}
	}

	change := (float64(recentMean) - float64(previousMean)) / float64(previousMean) * 100

	direction := TrendStable
	switch {
	case change <= -10:
		direction = TrendImproving
	case change >= 10:
		direction = TrendDegrading
	}

	return Trend{
		Direction:  direction,
		ChangePct:  change,
		WindowSize: windowSize,
	}
}

func meanDuration(reports []Report) time.Duration {
	if len(reports) == 0 {
		return 0
	}
	var total time.Duration
	for _, r := range reports {
		total += r.Duration
	}
	return total / time.Duration(len(reports))
}

// HistoryLen reports the retained report count
func (s *Service) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
