package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"matchsync/internal/eventbus"
	"matchsync/internal/task/engine"
)

// EngineSource is read on every scrape.
type EngineSource interface {
	Snapshot() engine.Snapshot
}

// engineCollector turns engine snapshots into const metrics so the pool keeps
// no Prometheus state of its own.
type engineCollector struct {
	src EngineSource

	tasks    *prometheus.Desc
	queueLen *prometheus.Desc
	queueCap *prometheus.Desc
	inFlight *prometheus.Desc
}

func newEngineCollector(src EngineSource) *engineCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "engine", n) }
	return &engineCollector{
		src:      src,
		tasks:    prometheus.NewDesc(name("tasks_total"), "Engine tasks by outcome.", []string{"outcome"}, nil),
		queueLen: prometheus.NewDesc(name("queue_length"), "Tasks waiting for a worker.", nil, nil),
		queueCap: prometheus.NewDesc(name("queue_capacity"), "Size of the task queue.", nil, nil),
		inFlight: prometheus.NewDesc(name("in_flight"), "Tasks being run right now.", nil, nil),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.queueLen
	ch <- c.queueCap
	ch <- c.inFlight
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	for outcome, n := range map[string]uint64{
		engine.OutcomeOK:        snap.Counters.Completed,
		engine.OutcomeFailed:    snap.Counters.Failed,
		engine.OutcomePanicked:  snap.Counters.Panicked,
		engine.OutcomeQueueFull: snap.Counters.DroppedQueueFull,
		engine.OutcomeStale:     snap.Counters.DroppedStale,
	} {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(n), outcome)
	}
	ch <- prometheus.MustNewConstMetric(c.queueLen, prometheus.GaugeValue, float64(snap.QueueLen))
	ch <- prometheus.MustNewConstMetric(c.queueCap, prometheus.GaugeValue, float64(snap.QueueCap))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(snap.InFlight))
}

// RegisterRuntime exposes the task engine and event bus on reg. Either source
// may be nil.
func RegisterRuntime(reg prometheus.Registerer, eng EngineSource, bus eventbus.Bus) error {
	var cs []prometheus.Collector
	if eng != nil {
		cs = append(cs, newEngineCollector(eng))
	}
	if bus != nil {
		cs = append(cs, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "dropped_total",
			Help: "Events not delivered because a subscriber buffer was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) }))
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
