package metrics

import "time"

// Metric names recorded by the delivery and signaling paths.
const (
	MessagesSubmitted    = "messages_submitted_total"
	MessagesDropped      = "messages_dropped_total"
	MessagesDeduplicated = "messages_deduplicated_total"
	DeliveryAttempts     = "delivery_attempts_total"
	MessagesAcked        = "messages_acked_total"
	MessagesFailed       = "messages_failed_total"
	SubmitDuration       = "message_submit_duration"
	SignalsRelayed       = "video_signals_relayed_total"
	SignalRetransmits    = "video_signal_retransmits_total"
	SignalFailures       = "video_signal_failures_total"
	ActiveConnections    = "active_connections"
	StaleMessages        = "stale_messages"
	QueueJobs            = "queue_jobs"
	RetentionDeleted     = "retention_deleted_total"
)

// RecordSubmission counts an accepted sendMessage. created is false when the
// message id was already stored.
func RecordSubmission(created bool, took time.Duration) {
	if created {
		IncrementCounter(MessagesSubmitted, nil, "New chat messages accepted")
	} else {
		IncrementCounter(MessagesDeduplicated, nil, "Submissions matching an existing message id")
	}
	RecordTimer(SubmitDuration, took, nil, "Time spent handling sendMessage")
}

// RecordDrop counts a simulated loss.
func RecordDrop() {
	IncrementCounter(MessagesDropped, nil, "Submissions dropped by loss simulation")
}

// RecordDeliveryAttempt counts a receiveMessage broadcast. source is
// "direct", "queue" or "resend".
func RecordDeliveryAttempt(source string) {
	IncrementCounter(DeliveryAttempts, map[string]string{"source": source}, "receiveMessage broadcasts")
}

// RecordAck counts an acknowledgment that changed stored state.
func RecordAck(status string) {
	IncrementCounter(MessagesAcked, map[string]string{"status": status}, "Acknowledgments applied")
}

// RecordFailure counts a message reaching the failed state.
func RecordFailure(reason string) {
	IncrementCounter(MessagesFailed, map[string]string{"reason": reason}, "Messages marked failed")
}

// RecordSignal counts a relayed signal by type.
func RecordSignal(signalType string, targets int) {
	AddToCounter(SignalsRelayed, float64(targets), map[string]string{"type": signalType}, "Video signals forwarded")
}

// RecordSignalRetransmit counts one retransmission of an unacknowledged signal.
func RecordSignalRetransmit(event string) {
	IncrementCounter(SignalRetransmits, map[string]string{"event": event}, "Signal retransmissions")
}

// RecordSignalFailure counts a signal given up after its retransmissions.
func RecordSignalFailure(event string) {
	IncrementCounter(SignalFailures, map[string]string{"event": event}, "Signals never acknowledged")
}

// SetConnections records the number of registered connections.
func SetConnections(n int) {
	SetGauge(ActiveConnections, float64(n), nil, "Open WebSocket connections")
}

// SetStale records how many messages sit in an in-flight status past the
// stale threshold.
func SetStale(status string, n int64) {
	SetGauge(StaleMessages, float64(n), map[string]string{"status": status}, "Messages stuck in flight")
}

// SetQueueJobs records queue depth by state.
func SetQueueJobs(state string, n int64) {
	SetGauge(QueueJobs, float64(n), map[string]string{"state": state}, "Delivery queue jobs")
}

// RecordRetention counts messages removed by the retention cleanup.
func RecordRetention(status string, n int64) {
	AddToCounter(RetentionDeleted, float64(n), map[string]string{"status": status}, "Messages removed by retention cleanup")
}
