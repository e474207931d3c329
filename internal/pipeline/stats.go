package pipeline

import (
	"sync"
	"time"

	"github.com/dstilson/pipewright/internal/pipeline/jsoncodec"
)

// TaskInfo describes one registered task type and its runtime counters. One
// instance exists per routing key for the lifetime of the Service.
type TaskInfo struct {
	Key   string     `json:"key"`
	Stats *TaskStats `json:"stats"`
}

func newTaskInfo(key string) *TaskInfo {
	return &TaskInfo{Key: key, Stats: &TaskStats{}}
}

// TaskStats accumulates processing counters for one task type. All methods
// are safe for concurrent use.
type TaskStats struct {
	mu sync.Mutex

	processed    uint64
	failed       uint64
	completed    uint64
	retried      uint64
	rejected     uint64
	postponed    uint64
	totalLatency time.Duration
	lastAt       time.Time
}

func (s *TaskStats) record(d Disposition, err error, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	if err != nil {
		s.failed++
	}
	switch d.Kind {
	case DispositionComplete:
		s.completed++
	case DispositionRetry:
		s.retried++
	case DispositionReject:
		s.rejected++
	case DispositionPostpone:
		s.postponed++
	}
	s.totalLatency += elapsed
	s.lastAt = time.Now()
}

// StatsSnapshot is a consistent point-in-time copy of a task's counters.
type StatsSnapshot struct {
	Processed      uint64        `json:"processed"`
	Failed         uint64        `json:"failed"`
	Completed      uint64        `json:"completed"`
	Retried        uint64        `json:"retried"`
	Rejected       uint64        `json:"rejected"`
	Postponed      uint64        `json:"postponed"`
	AverageLatency time.Duration `json:"average_latency_ns"`
	LastProcessed  time.Time     `json:"last_processed"`
}

// Snapshot returns a copy of the counters.
func (s *TaskStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Processed:     s.processed,
		Failed:        s.failed,
		Completed:     s.completed,
		Retried:       s.retried,
		Rejected:      s.rejected,
		Postponed:     s.postponed,
		LastProcessed: s.lastAt,
	}
	if s.processed > 0 {
		snap.AverageLatency = s.totalLatency / time.Duration(s.processed)
	}
	return snap
}

// MarshalJSON serializes the snapshot rather than the live counters.
func (s *TaskStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(s.Snapshot())
}
