package telemetry

// Histogram bucket definitions
var (
	// LagBuckets for end-to-end record staleness in seconds
	LagBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
)

// Capture metrics
var (
	// SecondsBehindMaster is the age of the latest processed binlog event
	SecondsBehindMaster Gauge = NoopStat{}

	// RecordsCaptured counts emitted change records by operation
	RecordsCaptured CounterVec = noopCounterVec{}

	// RowsFiltered counts rows dropped by a row filter
	RowsFiltered Counter = NoopStat{}

	// RowDecodeErrors counts rows skipped because a column failed to transcode
	RowDecodeErrors Counter = NoopStat{}

	// SnapshotRows counts rows read during the initial snapshot
	SnapshotRows Counter = NoopStat{}
)

// Delivery and sink metrics
var (
	// DeliveryQueueDepth is the number of records waiting for the sink
	DeliveryQueueDepth Gauge = NoopStat{}

	// SinkWrites counts write requests sent to tarantool by operation
	SinkWrites CounterVec = noopCounterVec{}

	// SinkReplyErrors counts non-zero tarantool reply codes
	SinkReplyErrors Counter = NoopStat{}

	// SinkReconnects counts sink reconnects after a failure
	SinkReconnects Counter = NoopStat{}

	// PositionCommits counts binlog position tuples written to tarantool
	PositionCommits Counter = NoopStat{}

	// SinkConnected is 1 while the sink connection is up
	SinkConnected Gauge = NoopStat{}

	// RecordStalenessSeconds observes record lag at apply time
	RecordStalenessSeconds Histogram = NoopStat{}
)

// InitMetrics initializes all metrics. Must be called after InitializeTelemetry.
func InitMetrics() {
	SecondsBehindMaster = NewGauge(
		"seconds_behind_master",
		"Seconds between the latest processed binlog event and now",
	)
	RecordsCaptured = NewCounterVec(
		"records_captured_total",
		"Change records emitted by capture",
		[]string{"op"},
	)
	RowsFiltered = NewCounter(
		"rows_filtered_total",
		"Rows dropped by a row filter",
	)
	RowDecodeErrors = NewCounter(
		"row_decode_errors_total",
		"Rows skipped because of a column transcode failure",
	)
	SnapshotRows = NewCounter(
		"snapshot_rows_total",
		"Rows read during the initial snapshot",
	)

	DeliveryQueueDepth = NewGauge(
		"delivery_queue_depth",
		"Records queued between capture and sink",
	)
	SinkWrites = NewCounterVec(
		"sink_writes_total",
		"Write requests sent to tarantool",
		[]string{"op"},
	)
	SinkReplyErrors = NewCounter(
		"sink_reply_errors_total",
		"Tarantool replies with a non-zero status",
	)
	SinkReconnects = NewCounter(
		"sink_reconnects_total",
		"Sink reconnects after a failure",
	)
	PositionCommits = NewCounter(
		"position_commits_total",
		"Binlog position tuples written to tarantool",
	)
	SinkConnected = NewGauge(
		"sink_connected",
		"1 when the tarantool connection is up",
	)
	RecordStalenessSeconds = NewHistogram(
		"record_staleness_seconds",
		"Record lag behind the source at apply time",
		LagBuckets,
	)
}
