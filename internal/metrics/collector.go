package metrics

import (
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/orchestrator"
)

var (
	_ bus.Observer          = (*Collector)(nil)
	_ orchestrator.Observer = (*Collector)(nil)
)

// Collector records bus, scheduler, HTTP and database metrics into its own
// Prometheus registry and keeps an aggregate view for Snapshot.
type Collector struct {
	registry *prometheus.Registry

	// Bus
	eventsPublished *prometheus.CounterVec
	eventDeliveries *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	deliveryWait    *prometheus.HistogramVec

	// Scheduler
	stepTransitions *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepQueueWait   *prometheus.HistogramVec
	stepRetries     *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Database
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger

	mu        sync.RWMutex
	topics    map[string]*TopicStats
	workflows map[string]*WorkflowStats
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}

// NewCollector creates a collector with a private registry. Go runtime and
// process collectors are registered alongside.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{
		registry:  reg,
		logger:    logger.With(zap.String("component", "metrics")),
		topics:    make(map[string]*TopicStats),
		workflows: make(map[string]*WorkflowStats),
	}

	c.eventsPublished = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published per topic",
		},
		[]string{"topic"},
	)

	c.eventDeliveries = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "event_deliveries_total",
			Help:      "Events polled by subscribers per topic",
		},
		[]string{"topic"},
	)

	c.eventsDropped = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events evicted from full subscriber queues",
		},
		[]string{"topic"},
	)

	c.deliveryWait = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "queue_wait_seconds",
			Help:      "Time events spend queued before being polled",
			Buckets:   latencyBuckets,
		},
		[]string{"topic"},
	)

	c.stepTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "step_transitions_total",
			Help:      "Step state transitions",
		},
		[]string{"workflow", "status"},
	)

	c.stepDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "step_duration_seconds",
			Help:      "Step attempt execution time",
			Buckets:   latencyBuckets,
		},
		[]string{"workflow", "step", "outcome"},
	)

	c.stepQueueWait = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "step_queue_wait_seconds",
			Help:      "Time from a step becoming ready to its execution starting",
			Buckets:   latencyBuckets,
		},
		[]string{"workflow"},
	)

	c.stepRetries = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "step_retries_total",
			Help:      "Retries scheduled by the recovery manager",
		},
		[]string{"workflow", "step"},
	)

	c.runTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_transitions_total",
			Help:      "Workflow run state transitions",
		},
		[]string{"workflow", "status"},
	)

	c.runDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "End-to-end workflow run time",
			Buckets:   latencyBuckets,
		},
		[]string{"workflow", "status"},
	)

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Bus observer.

func (c *Collector) EventPublished(topic string, deliveries int) {
	c.eventsPublished.WithLabelValues(topic).Inc()
	c.mu.Lock()
	t := c.topic(topic)
	t.Published++
	t.Routed += int64(deliveries)
	c.mu.Unlock()
}

func (c *Collector) EventDelivered(topic string, queueWait time.Duration) {
	c.eventDeliveries.WithLabelValues(topic).Inc()
	c.deliveryWait.WithLabelValues(topic).Observe(queueWait.Seconds())
	c.mu.Lock()
	t := c.topic(topic)
	t.Delivered++
	t.QueueWait.observe(queueWait)
	c.mu.Unlock()
}

func (c *Collector) EventDropped(topic string) {
	c.eventsDropped.WithLabelValues(topic).Inc()
	c.mu.Lock()
	c.topic(topic).Dropped++
	c.mu.Unlock()
}

// Scheduler observer.

func (c *Collector) StepTransitioned(workflow, _ string, status string) {
	c.stepTransitions.WithLabelValues(workflow, status).Inc()
}

func (c *Collector) StepExecuted(workflow, stepID, outcome string, d time.Duration) {
	c.stepDuration.WithLabelValues(workflow, stepID, outcome).Observe(d.Seconds())
	c.mu.Lock()
	w := c.workflow(workflow)
	w.Steps[outcome]++
	w.StepDuration.observe(d)
	c.mu.Unlock()
}

func (c *Collector) StepQueued(workflow string, wait time.Duration) {
	c.stepQueueWait.WithLabelValues(workflow).Observe(wait.Seconds())
	c.mu.Lock()
	c.workflow(workflow).QueueWait.observe(wait)
	c.mu.Unlock()
}

func (c *Collector) RetryScheduled(workflow, stepID string) {
	c.stepRetries.WithLabelValues(workflow, stepID).Inc()
	c.mu.Lock()
	c.workflow(workflow).Retries++
	c.mu.Unlock()
}

func (c *Collector) RunTransitioned(workflow, status string) {
	c.runTransitions.WithLabelValues(workflow, status).Inc()
}

func (c *Collector) RunFinished(workflow, status string, d time.Duration) {
	c.runDuration.WithLabelValues(workflow, status).Observe(d.Seconds())
	c.mu.Lock()
	w := c.workflow(workflow)
	w.Runs[status]++
	w.RunDuration.observe(d)
	c.mu.Unlock()
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordDBConnections records connection pool occupancy.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records one database operation.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// Snapshot returns a copy of the aggregated bus and scheduler metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		TakenAt:   time.Now().UTC(),
		Topics:    make(map[string]TopicStats, len(c.topics)),
		Workflows: make(map[string]WorkflowStats, len(c.workflows)),
	}
	for name, t := range c.topics {
		s.Topics[name] = *t
	}
	for name, w := range c.workflows {
		cp := *w
		cp.Runs = maps.Clone(w.Runs)
		cp.Steps = maps.Clone(w.Steps)
		s.Workflows[name] = cp
	}
	return s
}

func (c *Collector) topic(name string) *TopicStats {
	t, ok := c.topics[name]
	if !ok {
		t = &TopicStats{}
		c.topics[name] = t
	}
	return t
}

func (c *Collector) workflow(name string) *WorkflowStats {
	w, ok := c.workflows[name]
	if !ok {
		w = &WorkflowStats{Runs: map[string]int64{}, Steps: map[string]int64{}}
		c.workflows[name] = w
	}
	return w
}

// statusCode buckets an HTTP status code.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
