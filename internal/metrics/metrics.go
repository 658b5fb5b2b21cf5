// Package metrics exposes pipeline counters to Prometheus
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signalpost"

// Collector manages Prometheus metrics for one process
type Collector struct {
	registry *prometheus.Registry

	TasksProcessed  *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	TasksEnqueued   *prometheus.CounterVec
	TasksDeadLetter *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	DispatchCycles  *prometheus.CounterVec
	JobTransitions  *prometheus.CounterVec
	ItemsIngested   *prometheus.CounterVec
	AlertsCreated   prometheus.Counter
	CardsCreated    prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	processInfo     *prometheus.GaugeVec
}

// New creates a collector on its own registry, labelled with the process role
func New(role string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.TasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_processed_total",
		Help:      "Tasks handled by workers, by kind and result",
	}, []string{"kind", "result"})

	c.TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Handler duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	c.TasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_enqueued_total",
		Help:      "Tasks enqueued, by kind",
	}, []string{"kind"})

	c.TasksDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dead_lettered_total",
		Help:      "Tasks moved to the dead-letter lane, by kind",
	}, []string{"kind"})

	c.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Ready tasks per lane",
	}, []string{"lane"})

	c.DispatchCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_cycles_total",
		Help:      "Dispatcher cycles, by outcome",
	}, []string{"outcome"})

	c.JobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Job status transitions, by target status",
	}, []string{"status"})

	c.ItemsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_ingested_total",
		Help:      "Items upserted by scrapes, by platform and whether they were new",
	}, []string{"platform", "new"})

	c.AlertsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_created_total",
		Help:      "Spike alerts created",
	})

	c.CardsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "strategy_cards_created_total",
		Help:      "Strategy cards created",
	})

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	c.processInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_info",
		Help:      "Process role",
	}, []string{"role"})

	c.registry.MustRegister(
		c.TasksProcessed,
		c.TaskDuration,
		c.TasksEnqueued,
		c.TasksDeadLetter,
		c.QueueDepth,
		c.DispatchCycles,
		c.JobTransitions,
		c.ItemsIngested,
		c.AlertsCreated,
		c.CardsCreated,
		c.httpRequests,
		c.httpDuration,
		c.processInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.processInfo.WithLabelValues(role).Set(1)

	return c
}

// Nop returns a collector that is never scraped, for tests and tools
func Nop() *Collector {
	return New("nop")
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations for echo routes
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)
			if err != nil {
				ctx.Error(err)
			}

			endpoint := ctx.Path()
			if endpoint == "" {
				endpoint = "unknown"
			}
			method := ctx.Request().Method
			status := strconv.Itoa(ctx.Response().Status)

			c.httpRequests.WithLabelValues(method, endpoint, status).Inc()
			c.httpDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
