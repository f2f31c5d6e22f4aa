package pipeline

import (
	"context"
	"time"

	"github.com/musepi/drivemonitord/internal/analyzer"
)

// TestStep is one scripted instant in a TestDriver sequence: at
// MonotonicT seconds since the driver started, feed Detections through
// the normal Tick path.
type TestStep struct {
	MonotonicT float64
	Detections []analyzer.Detection
}

// TestDriver replays a scripted detection sequence through Pipeline.Tick,
// the same path live classifier frames use. This replaces the source's
// "test mode" branch, which mutated the analyzer's live state directly
// (spec §9 REDESIGN FLAG) — here the analyzer never knows it's being
// driven synthetically, and its purity (Tick has no side effects beyond
// its return values) is never compromised by a test-only code path.
type TestDriver struct {
	pipeline *Pipeline
	steps    []TestStep
}

// NewTestDriver builds a TestDriver over steps, which must be sorted by
// MonotonicT ascending.
func NewTestDriver(p *Pipeline, steps []TestStep) *TestDriver {
	return &TestDriver{pipeline: p, steps: steps}
}

// Run feeds each step to the pipeline in order, sleeping between steps to
// honor their relative timing, until ctx is cancelled or the script is
// exhausted. start is the monotonic reference instant steps are relative
// to (callers typically pass the value a real classifier loop's clock
// would have read at driver start).
func (d *TestDriver) Run(ctx context.Context, start time.Time) {
	base := start
	for _, step := range d.steps {
		target := base.Add(time.Duration(step.MonotonicT * float64(time.Second)))
		if wait := time.Until(target); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.pipeline.Tick(ctx, step.Detections, step.MonotonicT)
	}
}
