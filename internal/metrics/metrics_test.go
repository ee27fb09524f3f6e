package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecorderRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.JobsSent.Inc()
	rec.JobsSent.Inc()
	rec.JobsFailed.WithLabelValues("permanent").Inc()
	rec.RateVerdicts.WithLabelValues("account", "delayed").Inc()
	rec.ObserveSend(150 * time.Millisecond)

	if got := counterValue(t, rec.JobsSent); got != 2 {
		t.Errorf("JobsSent = %v, want 2", got)
	}
	if got := counterValue(t, rec.JobsFailed.WithLabelValues("permanent")); got != 1 {
		t.Errorf("JobsFailed[permanent] = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"dispatch_jobs_sent_total",
		"dispatch_jobs_failed_total",
		"dispatch_rate_verdicts_total",
		"dispatch_send_duration_seconds",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRecorder(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	NewRecorder(reg)
}
