package analyzer

import "time"

// Config holds the analyzer's tunable parameters (spec §4.G parameter
// table). Values are immutable once a New analyzer is constructed — per
// spec §9's design note, reconfiguration means building a new Analyzer,
// never mutating a shared map in place.
type Config struct {
	Weights                    map[Label]float64
	MinConfidence              float64
	FatigueMinConfidence       float64
	FocusedMinConfidence       float64
	DurationThreshold          time.Duration
	FatigueDurationThreshold   time.Duration
	MinDetectionsForDuration   int
	WindowSize                 time.Duration
	CountThreshold             int
	ScoreThreshold             float64
	ProgressIncrement          float64
	ProgressDecrementFocused   float64
	ProgressDecrementNormal    float64
	SafeDrivingConfirmTime     time.Duration
	LevelResetThreshold        time.Duration
	MultiEventCooldown         time.Duration
	Level3Cooldown             time.Duration
	ContinuousDistractedWindow time.Duration
	ContinuousDistractedCount  int
	EventMergeWindow           time.Duration
}

// DefaultConfig returns the spec §4.G default parameter table, including
// the authoritative fatigue-inclusive weight set from spec §9.
func DefaultConfig() Config {
	return Config{
		Weights: map[Label]float64{
			LabelEyesClosed:          0.8,
			LabelYawning:             0.7,
			LabelEyesClosedHeadLeft:  0.6,
			LabelEyesClosedHeadRight: 0.6,
			LabelHeadUp:              0.3,
			LabelHeadDown:            0.5,
			LabelSeeingLeft:          0.4,
			LabelSeeingRight:         0.4,
			LabelFocused:             0.0,
		},
		MinConfidence:              0.80,
		FatigueMinConfidence:       0.85,
		FocusedMinConfidence:       0.72,
		DurationThreshold:          1500 * time.Millisecond,
		FatigueDurationThreshold:   2 * time.Second,
		MinDetectionsForDuration:   2,
		WindowSize:                 30 * time.Second,
		CountThreshold:             3,
		ScoreThreshold:             0.8,
		ProgressIncrement:          3.0,
		ProgressDecrementFocused:   5.0,
		ProgressDecrementNormal:    0.5,
		SafeDrivingConfirmTime:     3 * time.Second,
		LevelResetThreshold:        10 * time.Second,
		MultiEventCooldown:         10 * time.Second,
		Level3Cooldown:             5 * time.Second,
		ContinuousDistractedWindow: 90 * time.Second,
		ContinuousDistractedCount:  7,
		EventMergeWindow:           5 * time.Second,
	}
}

func (c Config) weight(l Label) float64 {
	return c.Weights[l]
}
