package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// Dispatch workers
	JobDuration  *prometheus.HistogramVec
	JobResults   *prometheus.CounterVec
	JobsInFlight prometheus.Gauge
	QueueDepth   prometheus.Gauge

	// Scanner / reminder scheduler
	ScanDuration     *prometheus.HistogramVec
	EpisodesOpened   *prometheus.CounterVec
	RemindersFired   prometheus.Counter
	RemindersSkipped *prometheus.CounterVec

	// Adapters
	AdapterOutcomes *prometheus.CounterVec

	// SOS
	SOSTransitions *prometheus.CounterVec
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "solocheck",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solocheck",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "solocheck",
				Subsystem: "dispatch",
				Name:      "job_duration_seconds",
				Help:      "Dispatch job execution duration by channel and result",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"channel", "result"},
		),
		JobResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solocheck",
				Subsystem: "dispatch",
				Name:      "job_results_total",
				Help:      "Dispatch job outcomes by channel and result.",
			},
			[]string{"channel", "result"}, // result=delivered|retry|dead|skipped
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "solocheck",
				Subsystem: "dispatch",
				Name:      "jobs_in_flight",
				Help:      "Currently executing dispatch jobs (per process).",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "solocheck",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Queued dispatch jobs observed at the last scan.",
			},
		),

		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "solocheck",
				Subsystem: "scan",
				Name:      "tick_duration_seconds",
				Help:      "Scanner/scheduler tick duration.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"component"}, // component=overdue|reminder|sweeper
		),
		EpisodesOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solocheck",
				Subsystem: "scan",
				Name:      "episodes_opened_total",
				Help:      "Alert episodes opened by kind.",
			},
			[]string{"kind"},
		),
		RemindersFired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "solocheck",
				Subsystem: "remind",
				Name:      "fired_total",
				Help:      "Reminder pushes enqueued.",
			},
		),
		RemindersSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solocheck",
				Subsystem: "remind",
				Name:      "skipped_total",
				Help:      "Reminders suppressed by reason.",
			},
			[]string{"reason"}, // reason=quiet_hours|already_fired|channel_disabled|backpressure
		),

		AdapterOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solocheck",
				Subsystem: "notify",
				Name:      "adapter_outcomes_total",
				Help:      "Adapter send outcomes by channel.",
			},
			[]string{"channel", "outcome"},
		),

		SOSTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solocheck",
				Subsystem: "sos",
				Name:      "transitions_total",
				Help:      "SOS event state transitions.",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		p.DbQueryDuration, p.DbErrorsTotal,
		p.JobDuration, p.JobResults, p.JobsInFlight, p.QueueDepth,
		p.ScanDuration, p.EpisodesOpened, p.RemindersFired, p.RemindersSkipped,
		p.AdapterOutcomes, p.SOSTransitions,
	)

	return p
}
