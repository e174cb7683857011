// Package metrics exposes bridge activity as Prometheus series on a
// registry owned by the process rather than the global default.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genbridge/internal/task"
	"genbridge/internal/thumbnail"
	"genbridge/internal/upload"
)

const unmatched = "unmatched"

// Collector records task, upload, thumbnail and HTTP metrics.
type Collector struct {
	registry *prometheus.Registry

	tasksStarted     prometheus.Counter
	tasksActive      prometheus.Gauge
	tasksTerminal    *prometheus.CounterVec
	taskPolls        prometheus.Counter
	taskDuration     prometheus.Histogram
	uploads          *prometheus.CounterVec
	uploadDuration   *prometheus.HistogramVec
	thumbnailFetches *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New builds a collector on a fresh registry that also carries the Go and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genbridge_tasks_started_total",
			Help: "Remote tasks started.",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genbridge_tasks_active",
			Help: "Remote tasks still polling.",
		}),
		tasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbridge_tasks_terminal_total",
			Help: "Remote tasks that reached a terminal state.",
		}, []string{"state"}),
		taskPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genbridge_task_polls_total",
			Help: "Status polls issued for remote tasks.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "genbridge_task_duration_seconds",
			Help:    "Time from task start to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbridge_uploads_total",
			Help: "Upload pass executions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genbridge_upload_duration_seconds",
			Help:    "Upload pass execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		thumbnailFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbridge_thumbnail_fetches_total",
			Help: "Preview fetches by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbridge_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tasksStarted, c.tasksActive, c.tasksTerminal, c.taskPolls, c.taskDuration,
		c.uploads, c.uploadDuration, c.thumbnailFetches,
		c.httpRequests, c.httpDuration,
	)
	return c
}

// Registry exposes the underlying registry for gathering in tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// OnStarted implements task.Observer.
func (c *Collector) OnStarted(task.Snapshot) {
	c.tasksStarted.Inc()
	c.tasksActive.Inc()
}

// OnProgress implements task.Observer. Each polling update is one poll.
func (c *Collector) OnProgress(s task.Snapshot) {
	if s.State == task.StatePolling {
		c.taskPolls.Inc()
	}
}

// OnTerminal implements task.Observer.
func (c *Collector) OnTerminal(s task.Snapshot, _ error) {
	c.tasksActive.Dec()
	c.tasksTerminal.WithLabelValues(string(s.State)).Inc()
	if !s.StartedAt.IsZero() {
		c.taskDuration.Observe(s.UpdatedAt.Sub(s.StartedAt).Seconds())
	}
}

// ObserveUpload matches upload.Options.OnOutcome.
func (c *Collector) ObserveUpload(mode upload.Mode, outcome upload.Outcome, elapsed time.Duration) {
	c.uploads.WithLabelValues(string(mode), string(outcome)).Inc()
	c.uploadDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

// ObserveThumbnail matches thumbnail.Options.OnFetch.
func (c *Collector) ObserveThumbnail(outcome thumbnail.Outcome) {
	c.thumbnailFetches.WithLabelValues(string(outcome)).Inc()
}

// Middleware records request count and duration under the chi route
// pattern so raw paths cannot blow up cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		c.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

var _ task.Observer = (*Collector)(nil)
