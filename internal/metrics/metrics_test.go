package metrics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestRegistry_CountersByLabel(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter(DeliveryAttempts, map[string]string{"source": "direct"}, "attempts")
	registry.IncrementCounter(DeliveryAttempts, map[string]string{"source": "direct"}, "attempts")
	registry.IncrementCounter(DeliveryAttempts, map[string]string{"source": "queue"}, "attempts")
	registry.AddToCounter(SignalsRelayed, 3, map[string]string{"type": "offer"}, "signals")

	if got := registry.Counter(DeliveryAttempts, map[string]string{"source": "direct"}); got != 2 {
		t.Fatalf("direct attempts = %f, want 2", got)
	}
	if got := registry.Counter(DeliveryAttempts, map[string]string{"source": "queue"}); got != 1 {
		t.Fatalf("queue attempts = %f, want 1", got)
	}
	if got := registry.Counter(SignalsRelayed, map[string]string{"type": "offer"}); got != 3 {
		t.Fatalf("relayed offers = %f, want 3", got)
	}
	if got := registry.Counter(DeliveryAttempts, nil); got != 0 {
		t.Fatalf("unlabelled counter should be separate, got %f", got)
	}

	snap := registry.GetAllMetrics()
	c, ok := snap.Counters["delivery_attempts_total_source:direct"]
	if !ok {
		t.Fatalf("missing labelled counter, have %v", snap.Counters)
	}
	if c.Type != Counter || c.Description != "attempts" {
		t.Fatalf("unexpected counter metadata: %+v", c)
	}
}

func TestRegistry_Timer(t *testing.T) {
	registry := NewRegistry()

	for _, d := range []time.Duration{4 * time.Millisecond, 2 * time.Millisecond, 9 * time.Millisecond} {
		registry.RecordTimer(SubmitDuration, d, nil, "submit")
	}

	timer := registry.GetAllMetrics().Timers[SubmitDuration]
	if timer.Count != 3 {
		t.Fatalf("count = %d, want 3", timer.Count)
	}
	if timer.Min != 2 || timer.Max != 9 || timer.Sum != 15 || timer.Average != 5 {
		t.Fatalf("unexpected timer stats: %+v", timer)
	}
	if timer.P95 != 0 {
		t.Fatalf("percentiles need at least 10 samples, got p95 %f", timer.P95)
	}
}

func TestRegistry_TimerPercentilesAndSampleCap(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= maxTimerSamples+100; i++ {
		registry.RecordTimer("ack_latency", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := registry.GetAllMetrics().Timers["ack_latency"]
	if timer.Count != int64(maxTimerSamples+100) {
		t.Fatalf("count = %d", timer.Count)
	}
	// Only the most recent maxTimerSamples samples (101..1100) feed percentiles.
	if timer.P95 != 1051 {
		t.Fatalf("p95 = %f, want 1051", timer.P95)
	}
	if timer.P99 != 1091 {
		t.Fatalf("p99 = %f, want 1091", timer.P99)
	}
	if timer.Min != 1 {
		t.Fatalf("min tracks every sample, got %f", timer.Min)
	}
}

func TestRegistry_GaugeOverwrites(t *testing.T) {
	registry := NewRegistry()

	registry.SetGauge(QueueJobs, 7, map[string]string{"state": "scheduled"}, "")
	registry.SetGauge(QueueJobs, 2, map[string]string{"state": "scheduled"}, "")

	if got := registry.GaugeValue(QueueJobs, map[string]string{"state": "scheduled"}); got != 2 {
		t.Fatalf("gauge = %f, want 2", got)
	}
	if got := registry.GaugeValue(QueueJobs, map[string]string{"state": "active"}); got != 0 {
		t.Fatalf("unknown gauge = %f, want 0", got)
	}
}

func TestMetricKey(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{name: "messages_acked_total", want: "messages_acked_total"},
		{name: "messages_acked_total", labels: map[string]string{}, want: "messages_acked_total"},
		{name: "messages_acked_total", labels: map[string]string{"status": "delivered"}, want: "messages_acked_total_status:delivered"},
		{name: "http_responses_total", labels: map[string]string{"status_code": "200", "method": "GET"}, want: "http_responses_total_method:GET_status_code:200"},
	}
	for _, tt := range tests {
		if got := metricKey(tt.name, tt.labels); got != tt.want {
			t.Errorf("metricKey(%q, %v) = %q, want %q", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	registry := NewRegistry()
	labels := map[string]string{"status": "delivered"}
	registry.IncrementCounter(MessagesAcked, labels, "acks")

	snap := registry.GetAllMetrics()
	labels["status"] = "failed"
	registry.IncrementCounter(MessagesAcked, map[string]string{"status": "delivered"}, "acks")

	if got := snap.Counters["messages_acked_total_status:delivered"].Value; got != 1 {
		t.Fatalf("snapshot changed after later updates: %f", got)
	}
	if got := snap.Counters["messages_acked_total_status:delivered"].Labels["status"]; got != "delivered" {
		t.Fatalf("snapshot labels alias caller map: %s", got)
	}
}

func TestSnapshotJSON(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter(MessagesSubmitted, nil, "")
	registry.RecordTimer(SubmitDuration, time.Millisecond, nil, "")
	registry.SetGauge(ActiveConnections, 4, nil, "")

	raw, err := json.Marshal(registry.GetAllMetrics())
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"counters", "timers", "gauges", "uptime_ms", "timestamp"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("snapshot JSON missing %q: %s", key, raw)
		}
	}
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				registry.IncrementCounter(MessagesDropped, nil, "")
				registry.RecordTimer(SubmitDuration, time.Millisecond, nil, "")
				_ = registry.GetAllMetrics()
			}
		}()
	}
	wg.Wait()

	if got := registry.Counter(MessagesDropped, nil); got != 1000 {
		t.Fatalf("dropped = %f, want 1000", got)
	}
}

func TestRelayHelpers(t *testing.T) {
	r := GetRegistry()

	submitted := r.Counter(MessagesSubmitted, nil)
	deduped := r.Counter(MessagesDeduplicated, nil)
	RecordSubmission(true, 5*time.Millisecond)
	RecordSubmission(false, 5*time.Millisecond)
	if got := r.Counter(MessagesSubmitted, nil); got != submitted+1 {
		t.Fatalf("submitted = %f, want %f", got, submitted+1)
	}
	if got := r.Counter(MessagesDeduplicated, nil); got != deduped+1 {
		t.Fatalf("deduplicated = %f, want %f", got, deduped+1)
	}

	failed := r.Counter(MessagesFailed, map[string]string{"reason": "max_attempts"})
	RecordFailure("max_attempts")
	if got := r.Counter(MessagesFailed, map[string]string{"reason": "max_attempts"}); got != failed+1 {
		t.Fatalf("failed = %f, want %f", got, failed+1)
	}

	relayed := r.Counter(SignalsRelayed, map[string]string{"type": "offer"})
	RecordSignal("offer", 2)
	if got := r.Counter(SignalsRelayed, map[string]string{"type": "offer"}); got != relayed+2 {
		t.Fatalf("relayed = %f, want %f", got, relayed+2)
	}

	SetConnections(3)
	if got := r.GaugeValue(ActiveConnections, nil); got != 3 {
		t.Fatalf("connections = %f, want 3", got)
	}

	SetStale("sending", 4)
	if got := r.GaugeValue(StaleMessages, map[string]string{"status": "sending"}); got != 4 {
		t.Fatalf("stale = %f, want 4", got)
	}

	deleted := r.Counter(RetentionDeleted, map[string]string{"status": "delivered"})
	RecordRetention("delivered", 10)
	if got := r.Counter(RetentionDeleted, map[string]string{"status": "delivered"}); got != deleted+10 {
		t.Fatalf("retention = %f, want %f", got, deleted+10)
	}
}
