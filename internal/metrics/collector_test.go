package xrmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	xrmetrics "github.com/dcrane/xroverlay/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xrmetrics.NewCollector(reg)

	if c.Connections == nil {
		t.Error("Connections is nil")
	}
	if c.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if c.RequestErrorsTotal == nil {
		t.Error("RequestErrorsTotal is nil")
	}
	if c.EventsRelayed == nil {
		t.Error("EventsRelayed is nil")
	}
	if c.EventsLost == nil {
		t.Error("EventsLost is nil")
	}
	if c.TextureCopies == nil {
		t.Error("TextureCopies is nil")
	}
	if c.KeyedMutexWaitSeconds == nil {
		t.Error("KeyedMutexWaitSeconds is nil")
	}
	if c.StateTransitions == nil {
		t.Error("StateTransitions is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestRegisterUnregisterConnection(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xrmetrics.NewCollector(reg)

	c.RegisterConnection()
	c.RegisterConnection()

	if val := gaugeValue(t, c.Connections); val != 2 {
		t.Errorf("after two RegisterConnection: Connections = %v, want 2", val)
	}

	c.UnregisterConnection()

	if val := gaugeValue(t, c.Connections); val != 1 {
		t.Errorf("after UnregisterConnection: Connections = %v, want 1", val)
	}
}

func TestRequestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xrmetrics.NewCollector(reg)

	c.IncRequest("create-swapchain")
	c.IncRequest("create-swapchain")
	c.IncRequest("create-swapchain")

	if val := counterValue(t, c.RequestsTotal, "create-swapchain"); val != 3 {
		t.Errorf("RequestsTotal(create-swapchain) = %v, want 3", val)
	}

	c.IncRequestError("create-swapchain")

	if val := counterValue(t, c.RequestErrorsTotal, "create-swapchain"); val != 1 {
		t.Errorf("RequestErrorsTotal(create-swapchain) = %v, want 1", val)
	}
}

func TestEventRelayCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xrmetrics.NewCollector(reg)

	c.IncEventsRelayed("4242")
	c.IncEventsRelayed("4242")

	if val := counterValue(t, c.EventsRelayed, "4242"); val != 2 {
		t.Errorf("EventsRelayed(4242) = %v, want 2", val)
	}

	c.IncEventsLost("4242", 3)

	if val := counterValue(t, c.EventsLost, "4242"); val != 3 {
		t.Errorf("EventsLost(4242) = %v, want 3", val)
	}
}

func TestTextureBridgeMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xrmetrics.NewCollector(reg)

	c.IncTextureCopy("4242")
	c.IncTextureCopy("4242")

	if val := counterValue(t, c.TextureCopies, "4242"); val != 2 {
		t.Errorf("TextureCopies(4242) = %v, want 2", val)
	}

	c.ObserveKeyedMutexWait("4242", 0.01)

	m := &dto.Metric{}
	hist, err := c.KeyedMutexWaitSeconds.GetMetricWithLabelValues("4242")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	if err := hist.(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("KeyedMutexWaitSeconds sample count = %d, want 1", got)
	}
}

func TestStateTransition(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := xrmetrics.NewCollector(reg)

	c.RecordStateTransition("4242", "Ready", "Synchronized")

	val := counterValue(t, c.StateTransitions, "4242", "Ready", "Synchronized")
	if val != 1 {
		t.Errorf("StateTransitions(Ready->Synchronized) = %v, want 1", val)
	}

	c.RecordStateTransition("4242", "Synchronized", "Visible")

	val = counterValue(t, c.StateTransitions, "4242", "Synchronized", "Visible")
	if val != 1 {
		t.Errorf("StateTransitions(Synchronized->Visible) = %v, want 1", val)
	}

	c.RecordStateTransition("4242", "Ready", "Synchronized")

	val = counterValue(t, c.StateTransitions, "4242", "Ready", "Synchronized")
	if val != 2 {
		t.Errorf("StateTransitions(Ready->Synchronized) = %v, want 2", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a Gauge.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
