package metrics

import "time"

// Snapshot is a read-only view of aggregated metrics.
type Snapshot struct {
	TakenAt   time.Time                `json:"taken_at"`
	Topics    map[string]TopicStats    `json:"topics"`
	Workflows map[string]WorkflowStats `json:"workflows"`
}

// TopicStats aggregates bus traffic for one topic.
type TopicStats struct {
	Published int64 `json:"published"`
	// Routed counts queue insertions across all matching subscribers.
	Routed    int64        `json:"routed"`
	Delivered int64        `json:"delivered"`
	Dropped   int64        `json:"dropped"`
	QueueWait LatencyStats `json:"queue_wait"`
}

// WorkflowStats aggregates runs of one workflow.
type WorkflowStats struct {
	// Runs counts finished runs by terminal status.
	Runs map[string]int64 `json:"runs"`
	// Steps counts step attempts by outcome.
	Steps        map[string]int64 `json:"steps"`
	Retries      int64            `json:"retries"`
	StepDuration LatencyStats     `json:"step_duration"`
	QueueWait    LatencyStats     `json:"queue_wait"`
	RunDuration  LatencyStats     `json:"run_duration"`
}

// CompletionRate is the share of finished runs that completed.
func (w WorkflowStats) CompletionRate() float64 {
	var total int64
	for _, n := range w.Runs {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(w.Runs["Completed"]) / float64(total)
}

// LatencyStats summarizes a latency distribution in milliseconds.
type LatencyStats struct {
	Count  int64   `json:"count"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
	SumMS  float64 `json:"sum_ms"`
}

func (l *LatencyStats) observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	l.Count++
	l.SumMS += ms
	if ms > l.MaxMS {
		l.MaxMS = ms
	}
	l.MeanMS = l.SumMS / float64(l.Count)
}
