package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/musepi/drivemonitord/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.AnalyzerScore == nil {
		t.Error("AnalyzerScore is nil")
	}
	if c.AnalyzerLevel == nil {
		t.Error("AnalyzerLevel is nil")
	}
	if c.EventsTotal == nil {
		t.Error("EventsTotal is nil")
	}
	if c.PLCWritesTotal == nil {
		t.Error("PLCWritesTotal is nil")
	}
	if c.ModemCommandsTotal == nil {
		t.Error("ModemCommandsTotal is nil")
	}
	if c.TelemetryReportsTotal == nil {
		t.Error("TelemetryReportsTotal is nil")
	}

	// Registration must not panic and must be gatherable with no data yet.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSetAnalyzerState(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetAnalyzerState(72.5, 1)

	if v := gaugeValue(t, c.AnalyzerScore); v != 72.5 {
		t.Errorf("AnalyzerScore = %v, want 72.5", v)
	}
	if v := gaugeValue(t, c.AnalyzerLevel); v != 1 {
		t.Errorf("AnalyzerLevel = %v, want 1", v)
	}

	c.SetAnalyzerState(0, 0)
	if v := gaugeValue(t, c.AnalyzerScore); v != 0 {
		t.Errorf("AnalyzerScore = %v, want 0 after reset", v)
	}
}

func TestEventAndLevelTransitionCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncEvent("eyes_closed", "Fatigue")
	c.IncEvent("eyes_closed", "Fatigue")
	c.IncEvent("head_down", "Distracted")

	if v := counterVecValue(t, c.EventsTotal, "eyes_closed", "Fatigue"); v != 2 {
		t.Errorf("EventsTotal(eyes_closed,Fatigue) = %v, want 2", v)
	}
	if v := counterVecValue(t, c.EventsTotal, "head_down", "Distracted"); v != 1 {
		t.Errorf("EventsTotal(head_down,Distracted) = %v, want 1", v)
	}

	c.IncLevelTransition("Level 1")
	c.IncLevelTransition("Level 1")
	c.IncLevelTransition("Level 3")

	if v := counterVecValue(t, c.LevelTransitionsTotal, "Level 1"); v != 2 {
		t.Errorf("LevelTransitionsTotal(Level 1) = %v, want 2", v)
	}
}

func TestPLCCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncPLCWrite("ok")
	c.IncPLCWrite("ok")
	c.IncPLCWrite("timeout")
	c.IncPLCHeartbeat()

	if v := counterVecValue(t, c.PLCWritesTotal, "ok"); v != 2 {
		t.Errorf("PLCWritesTotal(ok) = %v, want 2", v)
	}
	if v := counterVecValue(t, c.PLCWritesTotal, "timeout"); v != 1 {
		t.Errorf("PLCWritesTotal(timeout) = %v, want 1", v)
	}
	if v := counterValue(t, c.PLCHeartbeatsTotal); v != 1 {
		t.Errorf("PLCHeartbeatsTotal = %v, want 1", v)
	}

	c.SetPLCConnected(true)
	if v := gaugeValue(t, c.PLCConnected); v != 1 {
		t.Errorf("PLCConnected = %v, want 1", v)
	}
	c.SetPLCConnected(false)
	if v := gaugeValue(t, c.PLCConnected); v != 0 {
		t.Errorf("PLCConnected = %v, want 0", v)
	}
}

func TestModemAndTelemetryCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncModemCommand("AT+QGPSLOC", "ok")
	c.IncModemCommand("AT+QGPSLOC", "error")
	c.IncModemGNSSFixAcquired()

	if v := counterVecValue(t, c.ModemCommandsTotal, "AT+QGPSLOC", "ok"); v != 1 {
		t.Errorf("ModemCommandsTotal(AT+QGPSLOC,ok) = %v, want 1", v)
	}
	if v := counterValue(t, c.ModemGNSSFixAcquired); v != 1 {
		t.Errorf("ModemGNSSFixAcquired = %v, want 1", v)
	}

	c.IncTelemetryReport("heartbeat", "ok")
	c.IncTelemetryReport("event", "queued")
	c.IncTelemetryReport("event", "queued")

	if v := counterVecValue(t, c.TelemetryReportsTotal, "event", "queued"); v != 2 {
		t.Errorf("TelemetryReportsTotal(event,queued) = %v, want 2", v)
	}

	c.SetOfflineQueueDepth(5)
	if v := gaugeValue(t, c.OfflineQueueDepth); v != 5 {
		t.Errorf("OfflineQueueDepth = %v, want 5", v)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
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
