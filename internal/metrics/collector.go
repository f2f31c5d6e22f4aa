// Package metrics defines the Prometheus instrumentation surface for the
// driver monitor daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "drivemon"
	subsystem = "monitor"
)

// Label names.
const (
	labelLevel    = "level"
	labelBehavior = "behavior"
	labelKind     = "kind"
	labelResult   = "result"
	labelCommand  = "command"
)

// -------------------------------------------------------------------------
// Collector — Prometheus driver-monitor metrics
// -------------------------------------------------------------------------

// Collector holds all driver-monitor Prometheus metrics.
//
//   - Score/level gauges track the analyzer's current state.
//   - Event counters record fatigue/distraction events per behavior.
//   - PLC write/heartbeat counters and a connection gauge track the
//     Modbus bridge.
//   - Modem AT-command and HTTP-over-AT counters track the LTE transport.
//   - Telemetry report counters and an offline-queue depth gauge track
//     the network manager.
type Collector struct {
	// AnalyzerScore is the analyzer's current progress score, [0, 100].
	AnalyzerScore prometheus.Gauge

	// AnalyzerLevel is the analyzer's current alert level, encoded 0-3.
	AnalyzerLevel prometheus.Gauge

	// EventsTotal counts committed analyzer events, labeled by behavior
	// and kind (fatigue/distracted).
	EventsTotal *prometheus.CounterVec

	// LevelTransitionsTotal counts alert level transitions.
	LevelTransitionsTotal *prometheus.CounterVec

	// PLCWritesTotal counts Modbus writes to the PLC, labeled by result
	// (ok/timeout/error).
	PLCWritesTotal *prometheus.CounterVec

	// PLCHeartbeatsTotal counts YOLO heartbeat writes to the PLC.
	PLCHeartbeatsTotal prometheus.Counter

	// PLCConnected reports whether the Modbus/TCP connection to the PLC
	// is currently established (1) or not (0).
	PLCConnected prometheus.Gauge

	// ModemCommandsTotal counts AT commands issued to the modem, labeled
	// by command and result.
	ModemCommandsTotal *prometheus.CounterVec

	// ModemGNSSFixAcquired counts successful GNSS fix acquisitions.
	ModemGNSSFixAcquired prometheus.Counter

	// TelemetryReportsTotal counts telemetry reports sent, labeled by
	// kind (heartbeat/gps/event) and result (ok/queued/error).
	TelemetryReportsTotal *prometheus.CounterVec

	// OfflineQueueDepth is the current number of items held in the
	// offline retry queue.
	OfflineQueueDepth prometheus.Gauge
}

// NewCollector creates a Collector with all driver-monitor metrics
// registered against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.AnalyzerScore,
		c.AnalyzerLevel,
		c.EventsTotal,
		c.LevelTransitionsTotal,
		c.PLCWritesTotal,
		c.PLCHeartbeatsTotal,
		c.PLCConnected,
		c.ModemCommandsTotal,
		c.ModemGNSSFixAcquired,
		c.TelemetryReportsTotal,
		c.OfflineQueueDepth,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		AnalyzerScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "score",
			Help:      "Current analyzer progress score, 0-100.",
		}),

		AnalyzerLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "level",
			Help:      "Current alert level: 0=Normal, 1=Level1, 2=Level2, 3=Level3.",
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total analyzer events committed, by behavior and kind.",
		}, []string{labelBehavior, labelKind}),

		LevelTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "level_transitions_total",
			Help:      "Total alert level transitions, labeled by the level transitioned to.",
		}, []string{labelLevel}),

		PLCWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plc",
			Name:      "writes_total",
			Help:      "Total Modbus writes to the PLC, by result.",
		}, []string{labelResult}),

		PLCHeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plc",
			Name:      "heartbeats_total",
			Help:      "Total YOLO heartbeat writes sent to the PLC.",
		}),

		PLCConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plc",
			Name:      "connected",
			Help:      "Whether the Modbus/TCP connection to the PLC is currently established.",
		}),

		ModemCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modem",
			Name:      "commands_total",
			Help:      "Total AT commands issued to the modem, by command and result.",
		}, []string{labelCommand, labelResult}),

		ModemGNSSFixAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modem",
			Name:      "gnss_fix_acquired_total",
			Help:      "Total successful GNSS fix acquisitions.",
		}),

		TelemetryReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "reports_total",
			Help:      "Total telemetry reports, by kind and result.",
		}, []string{labelKind, labelResult}),

		OfflineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "offline_queue_depth",
			Help:      "Current number of items held in the offline retry queue.",
		}),
	}
}

// -------------------------------------------------------------------------
// Analyzer
// -------------------------------------------------------------------------

// SetAnalyzerState updates the score/level gauges after a tick.
func (c *Collector) SetAnalyzerState(score float64, level int) {
	c.AnalyzerScore.Set(score)
	c.AnalyzerLevel.Set(float64(level))
}

// IncEvent increments the event counter for a committed analyzer event.
func (c *Collector) IncEvent(behavior, kind string) {
	c.EventsTotal.WithLabelValues(behavior, kind).Inc()
}

// IncLevelTransition increments the level-transition counter for the level
// the analyzer transitioned to.
func (c *Collector) IncLevelTransition(level string) {
	c.LevelTransitionsTotal.WithLabelValues(level).Inc()
}

// -------------------------------------------------------------------------
// PLC
// -------------------------------------------------------------------------

// IncPLCWrite increments the PLC write counter with the given result
// (ok/timeout/error).
func (c *Collector) IncPLCWrite(result string) {
	c.PLCWritesTotal.WithLabelValues(result).Inc()
}

// IncPLCHeartbeat increments the YOLO heartbeat counter.
func (c *Collector) IncPLCHeartbeat() {
	c.PLCHeartbeatsTotal.Inc()
}

// SetPLCConnected reports the current Modbus/TCP connection state.
func (c *Collector) SetPLCConnected(connected bool) {
	if connected {
		c.PLCConnected.Set(1)
		return
	}
	c.PLCConnected.Set(0)
}

// -------------------------------------------------------------------------
// Modem
// -------------------------------------------------------------------------

// IncModemCommand increments the AT-command counter for the given command
// and result (ok/timeout/error).
func (c *Collector) IncModemCommand(command, result string) {
	c.ModemCommandsTotal.WithLabelValues(command, result).Inc()
}

// IncModemGNSSFixAcquired increments the GNSS fix-acquired counter.
func (c *Collector) IncModemGNSSFixAcquired() {
	c.ModemGNSSFixAcquired.Inc()
}

// -------------------------------------------------------------------------
// Telemetry
// -------------------------------------------------------------------------

// IncTelemetryReport increments the telemetry report counter for the given
// kind (heartbeat/gps/event) and result (ok/queued/error).
func (c *Collector) IncTelemetryReport(kind, result string) {
	c.TelemetryReportsTotal.WithLabelValues(kind, result).Inc()
}

// SetOfflineQueueDepth reports the current offline queue depth.
func (c *Collector) SetOfflineQueueDepth(depth int) {
	c.OfflineQueueDepth.Set(float64(depth))
}
