// Package analyzer implements the behavior scoring and alerting state
// machine that sits at the center of the driver monitor pipeline.
//
// The analyzer is pure: Tick takes a detection batch and a monotonic
// timestamp and returns a Snapshot plus the Action the caller should take.
// It performs no I/O and spawns no goroutines — the orchestrator
// (internal/pipeline) owns all side effects, the same separation of
// concerns the teacher's internal/bfd/fsm.go draws between the pure FSM
// and internal/bfd/session.go's I/O-bound goroutine.
package analyzer

import "time"

// Label identifies a classifier output. The closed set is partitioned into
// Focused, FatigueClass and DistractionClass per the data model.
type Label string

// Recognized labels.
const (
	LabelFocused             Label = "focused"
	LabelEyesClosed          Label = "eyes_closed"
	LabelYawning             Label = "yawning"
	LabelEyesClosedHeadLeft  Label = "eyes_closed_head_left"
	LabelEyesClosedHeadRight Label = "eyes_closed_head_right"
	LabelHeadUp              Label = "head_up"
	LabelHeadDown            Label = "head_down"
	LabelSeeingLeft          Label = "seeing_left"
	LabelSeeingRight         Label = "seeing_right"
)

// Behavior identifiers used for composite events that are not tied to a
// single classifier label (per-tick steps that aggregate across trackers).
const (
	BehaviorLevel3Composite       Label = "level3_composite"
	BehaviorMultiBehavior         Label = "multi_behavior"
	BehaviorContinuousDistraction Label = "continuous_distraction"
)

// fatigueClass is the authoritative fatigue label set per spec §9's
// resolution of the multiple near-identical source variants: thresholds
// 60/80/95 with head_up included in the fatigue class, not the
// distraction class.
var fatigueClass = map[Label]bool{
	LabelEyesClosed:          true,
	LabelYawning:             true,
	LabelEyesClosedHeadLeft:  true,
	LabelEyesClosedHeadRight: true,
	LabelHeadUp:              true,
}

// distractionClass is the set of labels classified as distraction.
var distractionClass = map[Label]bool{
	LabelHeadDown:    true,
	LabelSeeingLeft:  true,
	LabelSeeingRight: true,
}

// IsFatigue reports whether l belongs to the fatigue class.
func (l Label) IsFatigue() bool { return fatigueClass[l] }

// IsDistraction reports whether l belongs to the distraction class.
func (l Label) IsDistraction() bool { return distractionClass[l] }

// Detection is one classifier output for a single frame.
type Detection struct {
	Label      Label
	Confidence float64
}

// Level is one of the four alert levels, encoded cumulatively on PLC
// coils by internal/plc.
type Level int

// Alert levels, in ascending severity.
const (
	LevelNormal Level = iota
	LevelOne
	LevelTwo
	LevelThree
)

// String renders a Level the way events and logs present it.
func (l Level) String() string {
	switch l {
	case LevelOne:
		return "Level 1"
	case LevelTwo:
		return "Level 2"
	case LevelThree:
		return "Level 3"
	default:
		return "Normal"
	}
}

// DeriveLevel is the pure score-to-level function from spec §3 invariant 2.
func DeriveLevel(score float64) Level {
	switch {
	case score >= 95:
		return LevelThree
	case score >= 80:
		return LevelTwo
	case score >= 60:
		return LevelOne
	default:
		return LevelNormal
	}
}

// EventKind distinguishes fatigue-driven events from distraction-driven ones.
type EventKind int

// Event kinds.
const (
	EventFatigue EventKind = iota
	EventDistracted
)

func (k EventKind) String() string {
	if k == EventFatigue {
		return "Fatigue"
	}
	return "Distracted"
}

// Event is a discrete observation crossing one of the single/short/multi/
// continuous/L3 thresholds (spec §3, §4.G). Events are immutable once
// committed except for the in-place merge rule.
type Event struct {
	WallTime   time.Time
	StartTime  float64 // monotonic seconds
	Behavior   Label
	DurationS  float64
	Count      int
	Confidence float64
	Kind       EventKind
	Level      Level
}

// Action is the side effect the orchestrator must perform after a tick.
// The analyzer never performs it itself (spec §9 design note on ambient
// threading for one-shot alert actions).
type Action int

// Actions a caller of Tick may need to take.
const (
	ActionNone Action = iota
	ActionAlertLevelChanged
)

// Snapshot is the analyzer's externally visible state after a tick.
type Snapshot struct {
	Score      float64
	Level      Level
	Detections []Detection
	Events     []Event
}
