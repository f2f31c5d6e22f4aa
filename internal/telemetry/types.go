package telemetry

import "encoding/json"

// Severity is the event severity band derived from the analyzer's score
// (spec §4.F).
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityNone     Severity = ""
)

// SeverityForScore maps progress_score to a severity band. The 10-40
// "LOW" test-mode band present in the source is removed per spec §9's
// REDESIGN FLAG; scores below 40 map to SeverityNone (no report).
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 85:
		return SeverityCritical
	case score >= 70:
		return SeverityHigh
	case score >= 60:
		return SeverityMedium
	case score >= 40:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// EventType is the telemetry event classification derived from a
// detection's behavior label (spec §4.F).
type EventType string

const (
	EventTypeFatigue     EventType = "FATIGUE"
	EventTypeDistraction EventType = "DISTRACTION"
	EventTypeEmergency   EventType = "EMERGENCY"
)

var fatigueLabels = map[string]bool{
	"eyes_closed":            true,
	"yawning":                true,
	"eyes_closed_head_left":  true,
	"eyes_closed_head_right": true,
	"head_up":                true,
}

var distractionLabels = map[string]bool{
	"head_down":    true,
	"seeing_left":  true,
	"seeing_right": true,
}

// EventTypeForBehavior maps a behavior label to its telemetry event type.
func EventTypeForBehavior(behavior string) EventType {
	switch {
	case fatigueLabels[behavior]:
		return EventTypeFatigue
	case distractionLabels[behavior]:
		return EventTypeDistraction
	default:
		return EventTypeEmergency
	}
}

// envelope is the unified telemetry envelope spec §6 requires for every
// POST /data/report call.
type envelope struct {
	DataType  string `json:"dataType"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// EventPayload is an event report (spec §6 "Event data").
type EventPayload struct {
	EventID         string   `json:"eventId"`
	Level           string   `json:"level"`
	Score           float64  `json:"score"`
	Behavior        string   `json:"behavior"`
	Confidence      float64  `json:"confidence"`
	Duration        float64  `json:"duration"`
	LocationLat     *float64 `json:"locationLat"`
	LocationLng     *float64 `json:"locationLng"`
	DistractedCount uint64   `json:"distractedCount"`

	// Severity/EventType supplement the fields spec §6 lists explicitly,
	// pulled forward from network_manager.py's report_event_data (spec
	// §4.F defines both mappings but the distilled wire schema omits the
	// fields they feed); dropping them would strand the mapping functions
	// with no caller.
	Severity  Severity  `json:"severity,omitempty"`
	EventType EventType `json:"eventType,omitempty"`
}

// GPSPayload is a GPS/fatigue report (spec §6 "GPS data").
type GPSPayload struct {
	LocationLat *float64 `json:"locationLat"`
	LocationLng *float64 `json:"locationLng"`
	Speed       *float64 `json:"speed"`
	Direction   *float64 `json:"direction"`
	Altitude    *float64 `json:"altitude"`
	Satellites  *int     `json:"satellites"`
}

// apiResponse is the common response envelope (spec §6: "{code, message, data?}").
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// loginResponseData is apiResponse.Data's shape for the login endpoint.
type loginResponseData struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}
