package integration

import (
	"testing"

	"github.com/musepi/drivemonitord/internal/analyzer"
)

// TestHardResetFromLevelThreeSettlesThroughL1ToNormal drives spec §8
// scenario 3: starting from Level 3 (reached here by sustained high-
// confidence eyes_closed, any trajectory that gets there qualifies per the
// scenario's wording), a switch to sustained high-confidence focused must
// hard-reset to Level 1 (score 50) after the safe-driving confirm window,
// then settle to Normal (score 0) once the longer level-reset threshold
// elapses.
func TestHardResetFromLevelThreeSettlesThroughL1ToNormal(t *testing.T) {
	a := analyzer.New(analyzer.DefaultConfig())
	cfg := analyzer.DefaultConfig()

	const stepSeconds = 0.25
	var snap analyzer.Snapshot
	tt := 0.0
	for snap.Level != analyzer.LevelThree {
		snap, _ = a.Tick([]analyzer.Detection{
			{Label: analyzer.LabelEyesClosed, Confidence: 0.97},
		}, tt)
		tt += stepSeconds
		if tt > 60 {
			t.Fatal("never reached Level 3 while driving the score up")
		}
	}

	focusedStart := tt
	sawL1 := false
	for i := 0; i < int((cfg.SafeDrivingConfirmTime.Seconds()+2)/stepSeconds); i++ {
		snap, _ = a.Tick([]analyzer.Detection{
			{Label: analyzer.LabelFocused, Confidence: 0.95},
		}, tt)
		tt += stepSeconds
		if snap.Level == analyzer.LevelOne && snap.Score == 50 {
			sawL1 = true
			break
		}
	}
	if !sawL1 {
		t.Fatalf("expected a hard reset to Level 1 (score=50) within %v of continuous focused, got level=%v score=%v",
			cfg.SafeDrivingConfirmTime, snap.Level, snap.Score)
	}

	sawNormal := false
	for tt-focusedStart < cfg.LevelResetThreshold.Seconds()+2 {
		snap, _ = a.Tick([]analyzer.Detection{
			{Label: analyzer.LabelFocused, Confidence: 0.95},
		}, tt)
		tt += stepSeconds
		if snap.Level == analyzer.LevelNormal && snap.Score == 0 {
			sawNormal = true
			break
		}
	}
	if !sawNormal {
		t.Fatalf("expected a hard reset to Normal (score=0) once the level-reset threshold elapsed, got level=%v score=%v",
			snap.Level, snap.Score)
	}
}
