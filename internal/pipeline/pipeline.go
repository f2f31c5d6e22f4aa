// Package pipeline is the per-frame orchestrator (spec §4.H): it feeds
// classifier detections into the analyzer, and on the analyzer's returned
// Action drives the PLC coil write, the telemetry report, and the UI
// snapshot publish, in that order. Grounded on
// internal/server/server.go's "thin adapter wrapping a manager" shape,
// generalized from one RPC-backed manager to the full
// analyzer/plc/telemetry fan-out this daemon needs.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/musepi/drivemonitord/internal/analyzer"
	"github.com/musepi/drivemonitord/internal/telemetry"
)

// PLC is the subset of *plc.Bridge the pipeline drives.
type PLC interface {
	SetAlertLevel(ctx context.Context, level analyzer.Level) error
}

// Telemetry is the subset of *telemetry.Manager the pipeline drives.
type Telemetry interface {
	ReportEvent(ctx context.Context, ev telemetry.EventPayload) (bool, error)
}

// Metrics is the subset of *metrics.Collector the pipeline reports to.
// Every method is a narrow one-liner, so a nil Metrics (tests that don't
// care about metrics) is handled by a no-op implementation rather than
// forcing every call site to nil-check.
type Metrics interface {
	SetAnalyzerState(score float64, level int)
	IncEvent(behavior, kind string)
	IncLevelTransition(level string)
	IncPLCWrite(result string)
}

type noopMetrics struct{}

func (noopMetrics) SetAnalyzerState(float64, int) {}
func (noopMetrics) IncEvent(string, string)       {}
func (noopMetrics) IncLevelTransition(string)     {}
func (noopMetrics) IncPLCWrite(string)            {}

// Config holds the pipeline's own tunables (spec §4.H, §6 timing block).
type Config struct {
	// PublishInterval caps the UI snapshot publish rate, decoupled from
	// the tick rate (spec §4.H: "≤ 5 Hz").
	PublishInterval time.Duration
	// PLCTimeout bounds each coil-write call so a stuck PLC write can
	// never stall a tick (spec §4.B/§5).
	PLCTimeout time.Duration
	// TelemetryTimeout bounds each network-trigger call for the same
	// reason.
	TelemetryTimeout time.Duration
}

// DefaultConfig returns the pipeline's default timing.
func DefaultConfig() Config {
	return Config{
		PublishInterval:  200 * time.Millisecond,
		PLCTimeout:       2 * time.Second,
		TelemetryTimeout: 5 * time.Second,
	}
}

// Pipeline is the single-threaded orchestrator: exactly one goroutine
// calls Tick (spec §5 resource table: "Analyzer state — called from a
// single thread (pipeline); no internal locking required"). Its own
// mutex guards only the published-snapshot cache that ctlserver reads
// from a different goroutine.
type Pipeline struct {
	cfg       Config
	analyzer  *analyzer.Analyzer
	plcBridge PLC
	telemetry Telemetry
	metrics   Metrics
	log       *slog.Logger

	mu             sync.Mutex
	latest         analyzer.Snapshot
	lastEventCount int
	lastPublished  time.Time
	subscribers    map[chan analyzer.Snapshot]struct{}
}

// New constructs a Pipeline. plcBridge and telemetryMgr may be nil (degraded
// boot, spec §7: modem/PDP failure degrades telemetry to offline mode
// rather than blocking startup); a nil Metrics uses a no-op implementation.
func New(cfg Config, an *analyzer.Analyzer, plcBridge PLC, telemetryMgr Telemetry, m Metrics, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = noopMetrics{}
	}
	return &Pipeline{
		cfg:         cfg,
		analyzer:    an,
		plcBridge:   plcBridge,
		telemetry:   telemetryMgr,
		metrics:     m,
		log:         log,
		subscribers: make(map[chan analyzer.Snapshot]struct{}),
	}
}

// Tick runs one frame through the analyzer and drives its side effects in
// the order spec §5 requires: score/level update (inside analyzer.Tick) ->
// PLC coil write -> network trigger -> UI publish. The coil write and the
// network report are both gated on the same level-change edge: at most one
// alert action per tick, never one network report per committed event.
// Event commitment itself happens inside analyzer.Tick, before this method
// ever sees the result, since the analyzer batches event detection into the
// same pure call that derives score and level (spec §4.G's procedure runs
// single-threaded, synchronously, as one step).
func (p *Pipeline) Tick(ctx context.Context, detections []analyzer.Detection, monotonicT float64) analyzer.Snapshot {
	p.mu.Lock()
	prevEventCount := p.lastEventCount
	p.mu.Unlock()

	snap, action := p.analyzer.Tick(detections, monotonicT)
	p.metrics.SetAnalyzerState(snap.Score, int(snap.Level))

	if action == analyzer.ActionAlertLevelChanged {
		p.writeCoil(ctx, snap.Level)

		// The event log only grows or is replaced wholesale by a merge (never
		// truncated from the front below maxEvents), so a shrink here means a
		// new Analyzer reset mid-run; treat the whole tail as new in that case.
		newEvents := snap.Events
		if prevEventCount <= len(snap.Events) {
			newEvents = snap.Events[prevEventCount:]
		}
		for _, ev := range newEvents {
			p.reportEvent(ctx, snap, ev)
		}
	}

	p.mu.Lock()
	p.lastEventCount = len(snap.Events)
	p.mu.Unlock()

	p.publish(snap)
	return snap
}

func (p *Pipeline) writeCoil(ctx context.Context, level analyzer.Level) {
	if p.plcBridge == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, p.cfg.PLCTimeout)
	defer cancel()

	if err := p.plcBridge.SetAlertLevel(wctx, level); err != nil {
		p.log.Warn("pipeline: plc coil write failed", "level", level, "err", err)
		p.metrics.IncPLCWrite("error")
		return
	}
	p.metrics.IncPLCWrite("ok")
	p.metrics.IncLevelTransition(level.String())
}

func (p *Pipeline) reportEvent(ctx context.Context, snap analyzer.Snapshot, ev analyzer.Event) {
	p.metrics.IncEvent(string(ev.Behavior), ev.Kind.String())
	if p.telemetry == nil {
		return
	}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.TelemetryTimeout)
	defer cancel()

	payload := telemetry.EventPayload{
		Level:      ev.Level.String(),
		Score:      snap.Score,
		Behavior:   string(ev.Behavior),
		Confidence: ev.Confidence,
		Duration:   ev.DurationS,
		Severity:   telemetry.SeverityForScore(snap.Score),
		EventType:  telemetry.EventTypeForBehavior(string(ev.Behavior)),
	}
	if _, err := p.telemetry.ReportEvent(tctx, payload); err != nil {
		p.log.Warn("pipeline: telemetry event report failed, item cached", "behavior", ev.Behavior, "err", err)
	}
}

// publish best-effort pushes snap to every subscribed watcher, rate-capped
// to PublishInterval and decoupled from the tick rate (spec §4.H). A full
// subscriber channel drops the snapshot rather than blocking the tick
// (spec §5 resource table: "UI sink — best-effort fire-and-forget;
// dropping a snapshot is acceptable").
func (p *Pipeline) publish(snap analyzer.Snapshot) {
	p.mu.Lock()
	p.latest = snap
	now := time.Now()
	if now.Sub(p.lastPublished) < p.cfg.PublishInterval {
		p.mu.Unlock()
		return
	}
	p.lastPublished = now
	subs := make([]chan analyzer.Snapshot, 0, len(p.subscribers))
	for ch := range p.subscribers {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Snapshot returns the most recently published analyzer state, for
// internal/ctlserver's GET /status.
func (p *Pipeline) Snapshot() analyzer.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Subscribe registers a channel to receive future published snapshots, for
// internal/ctlserver's GET /watch. Call Unsubscribe when the watcher
// disconnects.
func (p *Pipeline) Subscribe(buffer int) chan analyzer.Snapshot {
	ch := make(chan analyzer.Snapshot, buffer)
	p.mu.Lock()
	p.subscribers[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (p *Pipeline) Unsubscribe(ch chan analyzer.Snapshot) {
	p.mu.Lock()
	delete(p.subscribers, ch)
	p.mu.Unlock()
}
