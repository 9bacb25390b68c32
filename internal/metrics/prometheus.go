package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "matchsync/pkg/logx"
)

const namespace = "matchsync"

// PrometheusSink implements Sink with client_golang collectors. Collectors
// that fail to register are logged and still usable.
type PrometheusSink struct {
	cyclesTotal      *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	feedRunsTotal    *prometheus.CounterVec
	feedUpdatedTotal prometheus.Counter
	futileAttempts   prometheus.Histogram
	pendingJobs      prometheus.Gauge
	scheduleFailures prometheus.Counter
	relaunchesTotal  *prometheus.CounterVec

	gatherer prometheus.Gatherer
	log      logx.Logger
}

// NewPrometheusSink registers the collectors on reg. When reg is also a
// Gatherer, Handler serves it.
func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &PrometheusSink{log: log}
	if g, ok := reg.(prometheus.Gatherer); ok {
		s.gatherer = g
	}

	s.cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sync", Name: "cycles_total",
		Help: "Sync cycles by outcome.",
	}, []string{"outcome"})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "sync", Name: "cycle_duration_seconds",
		Help:    "Duration of one sync cycle including the feed call.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.feedRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "feed", Name: "runs_total",
		Help: "Feed runs by result.",
	}, []string{"result"})
	s.feedUpdatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "feed", Name: "matches_updated_total",
		Help: "Matches whose result was written from the feed.",
	})
	s.futileAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "sync", Name: "futile_attempts",
		Help:    "Attempt count reached by futile cycles.",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 10, 12},
	})
	s.pendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "trigger", Name: "pending_jobs",
		Help: "One-shot sync jobs waiting to fire.",
	})
	s.scheduleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trigger", Name: "schedule_failures_total",
		Help: "Jobs that could not be registered or handed to a worker.",
	})
	s.relaunchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sync", Name: "relaunches_total",
		Help: "Operator relaunch requests by whether a job existed.",
	}, []string{"existed"})

	for _, c := range []prometheus.Collector{
		s.cyclesTotal, s.cycleDuration, s.feedRunsTotal, s.feedUpdatedTotal,
		s.futileAttempts, s.pendingJobs, s.scheduleFailures, s.relaunchesTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn("metric register failed", logx.Err(err))
		}
	}
	return s
}

// Handler serves the registry in the Prometheus text format.
func (s *PrometheusSink) Handler() http.Handler {
	if s.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

func (s *PrometheusSink) CycleCompleted(outcome string, d time.Duration) {
	s.cyclesTotal.WithLabelValues(outcome).Inc()
	s.cycleDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) FeedFetched(updated int, err error) {
	if err != nil {
		s.feedRunsTotal.WithLabelValues("error").Inc()
		return
	}
	s.feedRunsTotal.WithLabelValues("ok").Inc()
	s.feedUpdatedTotal.Add(float64(updated))
}

func (s *PrometheusSink) FutileAttempt(attempts int) {
	s.futileAttempts.Observe(float64(attempts))
}

func (s *PrometheusSink) PendingJobs(n int) {
	s.pendingJobs.Set(float64(n))
}

func (s *PrometheusSink) ScheduleFailed() {
	s.scheduleFailures.Inc()
}

func (s *PrometheusSink) Relaunched(existed bool) {
	s.relaunchesTotal.WithLabelValues(strconv.FormatBool(existed)).Inc()
}
