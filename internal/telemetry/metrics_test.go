package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.UpstreamDuration == nil {
		t.Error("UpstreamDuration is nil")
	}
	if m.UpstreamErrors == nil {
		t.Error("UpstreamErrors is nil")
	}
	if m.FailoversTotal == nil {
		t.Error("FailoversTotal is nil")
	}
	if m.TokenRefreshes == nil {
		t.Error("TokenRefreshes is nil")
	}
	if m.QuotaExhausted == nil {
		t.Error("QuotaExhausted is nil")
	}
	if m.AccountsInPool == nil {
		t.Error("AccountsInPool is nil")
	}
	if m.TokensProcessed == nil {
		t.Error("TokensProcessed is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	// Increment counters and observe histograms to verify they work.
	m.RequestsTotal.WithLabelValues("POST", "/v1/messages", "200").Inc()
	m.FailoversTotal.WithLabelValues("codewhisperer").Inc()
	m.QuotaExhausted.WithLabelValues("gemini", "gemini-2.5-pro").Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/messages").Observe(0.123)
	m.UpstreamDuration.WithLabelValues("codewhisperer", "claude-sonnet-4.5").Observe(0.456)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"palantir_requests_total",
		"palantir_request_duration_seconds",
		"palantir_active_requests",
		"palantir_upstream_duration_seconds",
		"palantir_failovers_total",
		"palantir_quota_exhausted_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("metric family %q not gathered", name)
		}
	}
}
