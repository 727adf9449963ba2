package telemetry

var (
	// PassBuckets covers routing passes from sub-millisecond to a minute
	PassBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Routing pass metrics
var (
	// PassesTotal counts routing passes by channel and result (success, failed)
	PassesTotal CounterVec = noopCounterVec{}

	// PassDurationSeconds measures routing pass latency by channel
	PassDurationSeconds HistogramVec = noopHistogramVec{}

	// DataReadTotal counts changes read inside gaps by channel
	DataReadTotal CounterVec = noopCounterVec{}

	// DataRoutedTotal counts changes routed to at least one batch by channel
	DataRoutedTotal CounterVec = noopCounterVec{}

	// BatchesCompletedTotal counts batches closed by channel
	BatchesCompletedTotal CounterVec = noopCounterVec{}

	// DataGapsTracked is the size of the persisted gap list by channel
	DataGapsTracked GaugeVec = noopGaugeVec{}
)

// Routing session metrics
var (
	// SessionCommitsTotal counts session commits by result (success, failed)
	SessionCommitsTotal CounterVec = noopCounterVec{}

	// SessionRollbacksTotal counts session rollbacks by result (success, failed)
	SessionRollbacksTotal CounterVec = noopCounterVec{}

	// DataEventsCommittedTotal counts data events made durable by commits
	DataEventsCommittedTotal Counter = NoopStat{}

	// ActiveSessions is the number of open routing sessions
	ActiveSessions Gauge = NoopStat{}
)

// InitMetrics replaces the no-op metrics with registered ones
func InitMetrics() {
	PassesTotal = NewCounterVec(
		"passes_total",
		"Routing passes by channel and result",
		[]string{"channel", "result"},
	)
	PassDurationSeconds = NewHistogramVec(
		"pass_duration_seconds",
		"Routing pass latency",
		[]string{"channel"},
		PassBuckets,
	)
	DataReadTotal = NewCounterVec(
		"data_read_total",
		"Changes read from gaps",
		[]string{"channel"},
	)
	DataRoutedTotal = NewCounterVec(
		"data_routed_total",
		"Changes routed to at least one batch",
		[]string{"channel"},
	)
	BatchesCompletedTotal = NewCounterVec(
		"batches_completed_total",
		"Outgoing batches closed",
		[]string{"channel"},
	)
	DataGapsTracked = NewGaugeVec(
		"data_gaps",
		"Data gaps persisted after the last pass",
		[]string{"channel"},
	)
	SessionCommitsTotal = NewCounterVec(
		"session_commits_total",
		"Routing session commits by result",
		[]string{"result"},
	)
	SessionRollbacksTotal = NewCounterVec(
		"session_rollbacks_total",
		"Routing session rollbacks by result",
		[]string{"result"},
	)
	DataEventsCommittedTotal = NewCounter(
		"data_events_committed_total",
		"Data events made durable by session commits",
	)
	ActiveSessions = NewGauge(
		"active_sessions",
		"Open routing sessions",
	)
}
