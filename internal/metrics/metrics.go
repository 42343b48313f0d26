package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpanel/internal/eventbus"
	"taskpanel/internal/task/engine"
)

const namespace = "taskpanel"

// Run results used as the "result" label.
const (
	ResultOK          = "ok"
	ResultFailed      = "failed"
	ResultSpawnFailed = "spawn_failed"
	ResultSkipped     = "skipped"
	ResultReplaced    = "replaced"
)

// Metrics owns a private registry for the scheduler process.
type Metrics struct {
	reg *prometheus.Registry

	fires    prometheus.Counter
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		fires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Scheduled jobs fired.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Task runs by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from enqueue to process exit.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
	}
	m.reg.MustRegister(
		m.fires, m.runs, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// WatchLimiter exports the limiter's limit, active and pending counts.
func (m *Metrics) WatchLimiter(snap func() engine.Snapshot) {
	gauge := func(name, help string, pick func(engine.Snapshot) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(snap())) })
	}
	m.reg.MustRegister(
		gauge("limit", "Configured parallel run limit.", func(s engine.Snapshot) int { return s.Limit }),
		gauge("active", "Runs holding a slot.", func(s engine.Snapshot) int { return s.Active }),
		gauge("pending", "Runs waiting for a slot.", func(s engine.Snapshot) int { return s.Pending }),
	)
}

// WatchJobs exports the number of registered scheduler jobs.
func (m *Metrics) WatchJobs(count func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduled_jobs",
		Help:      "Jobs registered in the scheduler.",
	}, func() float64 { return float64(count()) }))
}

// Observe folds one bus event into the counters.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeScheduleFired:
		m.fires.Inc()
	case eventbus.TypeRunFinished:
		res, _ := e.Data.(eventbus.RunResult)
		if res.ExitCode == 0 {
			m.runs.WithLabelValues(ResultOK).Inc()
		} else {
			m.runs.WithLabelValues(ResultFailed).Inc()
		}
		m.duration.Observe(res.Took.Seconds())
	case eventbus.TypeRunFailed:
		m.runs.WithLabelValues(ResultSpawnFailed).Inc()
	case eventbus.TypeRunSkipped:
		m.runs.WithLabelValues(ResultSkipped).Inc()
	case eventbus.TypeRunReplaced:
		m.runs.WithLabelValues(ResultReplaced).Inc()
	}
}

// Consume observes bus events until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
