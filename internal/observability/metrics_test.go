package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/idvlink/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("second register should be a no-op: %v", err)
	}

	RecordStatus("connecting")
	RecordAttempt("opened")
	RecordFailure("transport_error")
	RecordEvent("session_opened")
	RecordPreflight("production", true, 12*time.Millisecond)
	RecordWindowClosure("focus_failed")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"idvlink_session_status_transitions_total": false,
		"idvlink_preflight_duration_seconds":       false,
		"idvlink_window_closures_total":            false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("metric family %s not registered", name)
		}
	}
}

func TestRegisterMetricsReportsNameConflict(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "idvlink",
		Subsystem: "session",
		Name:      "failures_total",
		Help:      "Host-owned counter with the same name.",
	}))

	if err := RegisterMetrics(reg); err == nil {
		t.Fatalf("expected conflict error")
	}
	RecordFailure("transport_error")
}

func TestRegisterMetricsDefaultRegisterer(t *testing.T) {
	testlog.Start(t)
	if err := RegisterMetrics(nil); err != nil {
		t.Fatalf("register default: %v", err)
	}
	if err := RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("repeat register default: %v", err)
	}
}
