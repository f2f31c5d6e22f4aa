package analyzer

import (
	"sort"
	"time"
)

// labelSwitch records one behavior-transition instant for the rolling
// switch-count metric in spec §4.G step 7. Kept as a time-ordered,
// append-only slice rather than derived from hash-map iteration order
// (spec §9: the source's iteration order was non-deterministic).
type labelSwitch struct {
	t     float64
	label Label
}

// Analyzer holds the full mutable state of one driver's scoring session
// (spec §3 "Analyzer state"). It is driven synchronously by exactly one
// caller (the pipeline orchestrator) and does no internal locking — the
// same single-owner discipline internal/bfd/session.go uses for its FSM.
type Analyzer struct {
	cfg Config

	progressScore float64
	currentLevel  Level

	lastSafeTime       *float64
	lastMultiEventTime float64
	lastLevel3Time     float64

	distractedTimestamps []float64
	distractedCount      uint64

	events []Event

	trackers map[Label]*tracker

	switches         []labelSwitch
	lastSwitchLabel  Label
	hasLastSwitchLbl bool
}

// maxEvents bounds the committed event log (spec §3: "cap 200").
const maxEvents = 200

// New constructs an Analyzer at its zero state (score 0, level Normal).
func New(cfg Config) *Analyzer {
	return &Analyzer{
		cfg:      cfg,
		trackers: make(map[Label]*tracker),
	}
}

// Score returns the current progress score.
func (a *Analyzer) Score() float64 { return a.progressScore }

// Level returns the current alert level.
func (a *Analyzer) Level() Level { return a.currentLevel }

// Tick runs one cycle of the per-frame procedure from spec §4.G against
// detections observed at monotonic time t (seconds). It never panics:
// detection batches are plain values, so there is nothing to recover from,
// matching spec §4.G's failure semantics ("exceptions ... must be caught
// at the tick boundary"); a well-typed Detection slice simply cannot
// produce the kind of malformed record the source guarded against.
func (a *Analyzer) Tick(detections []Detection, t float64) (Snapshot, Action) {
	prevLevel := a.currentLevel
	hardReset := false

	a.applySafeDrivingReset(detections, t, &hardReset)
	a.updateTrackers(detections, t)

	if !hardReset {
		a.currentLevel = DeriveLevel(a.progressScore)
	}

	action := ActionNone
	if a.currentLevel != prevLevel {
		action = ActionAlertLevelChanged
	}

	a.detectSingleBehaviorEvents(t)
	a.detectLevel3Composite(t)
	a.detectMultiBehaviorDistraction(t)
	a.detectContinuousDistraction(t)

	return a.snapshot(detections), action
}

// snapshot copies out the externally visible state.
func (a *Analyzer) snapshot(detections []Detection) Snapshot {
	return Snapshot{
		Score:      a.progressScore,
		Level:      a.currentLevel,
		Detections: detections,
		Events:     a.events,
	}
}

// clampScore enforces spec §3 invariant 1: 0 <= progress_score <= 100.
func (a *Analyzer) clampScore() {
	if a.progressScore < 0 {
		a.progressScore = 0
	}
	if a.progressScore > 100 {
		a.progressScore = 100
	}
}

// applySafeDrivingReset implements spec §4.G step 3.
func (a *Analyzer) applySafeDrivingReset(detections []Detection, t float64, hardReset *bool) {
	hasFocused := false
	hasOtherHigh := false
	for _, d := range detections {
		if d.Label == LabelFocused && d.Confidence >= a.cfg.FocusedMinConfidence {
			hasFocused = true
		}
		if d.Label != LabelFocused && d.Confidence >= a.cfg.MinConfidence {
			hasOtherHigh = true
		}
	}
	allFocused := hasFocused && !hasOtherHigh

	if allFocused {
		switch {
		case a.lastSafeTime == nil:
			anchor := t
			a.lastSafeTime = &anchor
		case t-*a.lastSafeTime >= a.cfg.SafeDrivingConfirmTime.Seconds():
			if a.currentLevel == LevelThree {
				a.hardResetToL1()
				*hardReset = true
			} else if t-*a.lastSafeTime >= a.cfg.LevelResetThreshold.Seconds() {
				a.hardResetToNormal()
				*hardReset = true
			}
			a.progressScore -= a.cfg.ProgressDecrementFocused
			if a.progressScore < 0 {
				a.progressScore = 0
			}
		default:
			a.progressScore -= a.cfg.ProgressDecrementNormal
			a.clampScore()
		}
	} else {
		a.lastSafeTime = nil
		a.progressScore -= a.cfg.ProgressDecrementNormal
		a.clampScore()
	}
}

// hardResetToL1 implements the L3->L1 hard reset from spec §4.G step 3:
// score=50, trackers/rings/cooldowns cleared.
func (a *Analyzer) hardResetToL1() {
	a.progressScore = 50
	a.currentLevel = LevelOne
	a.clearTrackingState()
}

// hardResetToNormal implements the any->Normal hard reset: score=0,
// everything cleared.
func (a *Analyzer) hardResetToNormal() {
	a.progressScore = 0
	a.currentLevel = LevelNormal
	a.clearTrackingState()
}

func (a *Analyzer) clearTrackingState() {
	a.trackers = make(map[Label]*tracker)
	a.distractedTimestamps = nil
	a.lastMultiEventTime = 0
	a.lastLevel3Time = 0
	a.lastSafeTime = nil
	a.switches = nil
	a.hasLastSwitchLbl = false
}

// updateTrackers implements spec §4.G step 4.
func (a *Analyzer) updateTrackers(detections []Detection, t float64) {
	for _, d := range detections {
		w := a.cfg.weight(d.Label)
		if w <= 0 {
			continue
		}

		gate := a.cfg.MinConfidence
		if d.Label.IsFatigue() {
			gate = a.cfg.FatigueMinConfidence
		}
		if d.Confidence < gate {
			continue
		}

		tr, ok := a.trackers[d.Label]
		if !ok {
			tr = &tracker{}
			a.trackers[d.Label] = tr
		}
		tr.push(t, d.Confidence)

		age := t - tr.hits[0].t
		mult := 1 + age/30.0
		if mult > 1.5 {
			mult = 1.5
		}
		a.progressScore += a.cfg.ProgressIncrement * w * mult
		a.clampScore()

		if !a.hasLastSwitchLbl || a.lastSwitchLabel != d.Label {
			a.switches = append(a.switches, labelSwitch{t: t, label: d.Label})
			a.lastSwitchLabel = d.Label
			a.hasLastSwitchLbl = true
		}
	}

	windowCutoff := t - a.cfg.WindowSize.Seconds()
	for label, tr := range a.trackers {
		tr.pruneOlderThan(windowCutoff)
		if len(tr.hits) == 0 {
			delete(a.trackers, label)
		}
	}

	switchCutoff := t - 10.0
	i := 0
	for i < len(a.switches) && a.switches[i].t < switchCutoff {
		i++
	}
	if i > 0 {
		a.switches = a.switches[i:]
	}
}

// sortedLabels returns the tracker labels in a deterministic order, so
// event emission order is stable across runs.
func (a *Analyzer) sortedLabels() []Label {
	labels := make([]Label, 0, len(a.trackers))
	for l := range a.trackers {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

// detectSingleBehaviorEvents implements spec §4.G step 6.
func (a *Analyzer) detectSingleBehaviorEvents(t float64) {
	for _, label := range a.sortedLabels() {
		tr := a.trackers[label]

		th := a.cfg.DurationThreshold.Seconds()
		if label.IsFatigue() {
			th = a.cfg.FatigueDurationThreshold.Seconds()
		}

		recentSustained := tr.countSince(t - th)
		recentShort := tr.countSince(t - 2.0)

		level := LevelOne
		if a.progressScore >= 80 {
			level = LevelTwo
		}

		switch {
		case !label.IsFatigue() && recentSustained >= a.cfg.MinDetectionsForDuration &&
			t-tr.lastSingleAlertTime >= th:
			a.commitSingleEvent(tr, label, EventDistracted, th, recentSustained, level, t)
		case recentShort >= 2 && t-tr.lastSingleAlertTime >= 2.0:
			kind := EventDistracted
			if label.IsFatigue() {
				kind = EventFatigue
			}
			a.commitSingleEvent(tr, label, kind, 2.0, recentShort, level, t)
		}
	}
}

func (a *Analyzer) commitSingleEvent(tr *tracker, label Label, kind EventKind, duration float64, count int, level Level, t float64) {
	ev := Event{
		WallTime:   time.Now(),
		StartTime:  t,
		Behavior:   label,
		DurationS:  duration,
		Count:      count,
		Confidence: tr.meanConfidenceSince(t - duration),
		Kind:       kind,
		Level:      level,
	}
	a.commitEvent(ev)

	tr.lastSingleAlertTime = t
	tr.lastEventTime = t
	a.distractedCount++
	a.pushDistractedTimestamp(t)
}

// detectLevel3Composite implements spec §4.G step 7.
func (a *Analyzer) detectLevel3Composite(t float64) {
	fatigueHits5s := 0
	confSum, confN := 0.0, 0
	for label, tr := range a.trackers {
		if !label.IsFatigue() {
			continue
		}
		n := tr.countSince(t - 5.0)
		fatigueHits5s += n
		if n > 0 {
			confSum += tr.meanConfidenceSince(t - 5.0)
			confN++
		}
	}

	switchCutoff := t - 10.0
	switches := 0
	for _, s := range a.switches {
		if s.t >= switchCutoff {
			switches++
		}
	}

	if (fatigueHits5s >= 3 || switches >= 7) && t-a.lastLevel3Time >= a.cfg.Level3Cooldown.Seconds() && a.progressScore >= 95 {
		conf := 1.0
		if confN > 0 {
			conf = confSum / float64(confN)
		}
		a.commitEvent(Event{
			WallTime:   time.Now(),
			StartTime:  t,
			Behavior:   BehaviorLevel3Composite,
			DurationS:  5.0,
			Count:      fatigueHits5s,
			Confidence: conf,
			Kind:       EventFatigue,
			Level:      LevelThree,
		})
		a.lastLevel3Time = t
	}
}

// detectMultiBehaviorDistraction implements spec §4.G step 8.
func (a *Analyzer) detectMultiBehaviorDistraction(t float64) {
	windowCutoff := t - a.cfg.WindowSize.Seconds()

	sum := 0.0
	distinct := 0
	confSum, confN := 0.0, 0
	for label, tr := range a.trackers {
		n := tr.countSince(windowCutoff)
		if n == 0 {
			continue
		}
		distinct++
		mean := tr.meanConfidenceSince(windowCutoff)
		sum += a.cfg.weight(label) * mean
		confSum += mean
		confN++
	}

	if distinct >= a.cfg.CountThreshold && sum >= a.cfg.ScoreThreshold &&
		t-a.lastMultiEventTime >= a.cfg.MultiEventCooldown.Seconds() &&
		t-a.lastLevel3Time >= a.cfg.Level3Cooldown.Seconds() &&
		a.progressScore >= 80 {
		conf := 0.0
		if confN > 0 {
			conf = confSum / float64(confN)
		}
		a.commitEvent(Event{
			WallTime:   time.Now(),
			StartTime:  t,
			Behavior:   BehaviorMultiBehavior,
			DurationS:  0,
			Count:      distinct,
			Confidence: conf,
			Kind:       EventDistracted,
			Level:      LevelTwo,
		})
		a.lastMultiEventTime = t
	}
}

// detectContinuousDistraction implements spec §4.G step 9.
func (a *Analyzer) detectContinuousDistraction(t float64) {
	windowCutoff := t - a.cfg.ContinuousDistractedWindow.Seconds()
	a.pruneDistractedTimestamps(windowCutoff)

	if len(a.distractedTimestamps) >= a.cfg.ContinuousDistractedCount &&
		t-a.lastLevel3Time >= a.cfg.Level3Cooldown.Seconds() &&
		a.progressScore >= 95 {
		a.commitEvent(Event{
			WallTime:   time.Now(),
			StartTime:  t,
			Behavior:   BehaviorContinuousDistraction,
			DurationS:  a.cfg.ContinuousDistractedWindow.Seconds(),
			Count:      len(a.distractedTimestamps),
			Confidence: 1.0,
			Kind:       EventDistracted,
			Level:      LevelThree,
		})
		a.lastLevel3Time = t
		a.distractedTimestamps = nil
	}
}

func (a *Analyzer) pushDistractedTimestamp(t float64) {
	a.distractedTimestamps = append(a.distractedTimestamps, t)
}

func (a *Analyzer) pruneDistractedTimestamps(cutoff float64) {
	i := 0
	for i < len(a.distractedTimestamps) && a.distractedTimestamps[i] < cutoff {
		i++
	}
	if i > 0 {
		a.distractedTimestamps = a.distractedTimestamps[i:]
	}
}

// commitEvent applies the event-merge rule from spec §4.G: if the most
// recent committed event shares behavior and falls within
// EventMergeWindow of the new one, the existing record is mutated in
// place instead of a new one being appended.
func (a *Analyzer) commitEvent(ev Event) {
	if n := len(a.events); n > 0 {
		last := &a.events[n-1]
		if last.Behavior == ev.Behavior && ev.StartTime-last.StartTime <= a.cfg.EventMergeWindow.Seconds() {
			last.DurationS = ev.StartTime - last.StartTime
			last.Count += ev.Count
			last.Confidence = (last.Confidence + ev.Confidence) / 2
			return
		}
	}

	a.events = append(a.events, ev)
	if len(a.events) > maxEvents {
		a.events = a.events[len(a.events)-maxEvents:]
	}
}
