package modem

import (
	"strconv"
	"strings"
)

// Location is a parsed GNSS fix (spec §4.A "Position read").
type Location struct {
	UTCTime          string
	Latitude         float64
	Longitude        float64
	HDOP             float64
	AltitudeM        float64
	FixMode          int
	SpeedKmh         float64
	UTCDate          string
	SatellitesInUse  int
}

// parseQGPSLoc parses a "+QGPSLOC: hhmmss,ddmm.mmmmN,dddmm.mmmmE,hdop,alt,
// fixmode,,speed_kmh,date,satellites" line into a Location.
func parseQGPSLoc(line string) (Location, error) {
	body := strings.TrimPrefix(line, "+QGPSLOC: ")
	parts := strings.Split(body, ",")
	if len(parts) < 10 {
		return Location{}, newParseError("malformed +QGPSLOC line", line, nil)
	}

	lat, err := parseDM(parts[1], 2)
	if err != nil {
		return Location{}, newGNSSFixError("parse latitude: " + err.Error())
	}
	lon, err := parseDM(parts[2], 3)
	if err != nil {
		return Location{}, newGNSSFixError("parse longitude: " + err.Error())
	}

	hdop, _ := strconv.ParseFloat(parts[3], 64)
	alt, _ := strconv.ParseFloat(parts[4], 64)
	fixMode, _ := strconv.Atoi(parts[5])
	speed, _ := strconv.ParseFloat(parts[7], 64)
	sats, _ := strconv.Atoi(parts[9])

	return Location{
		UTCTime:         parts[0],
		Latitude:        lat,
		Longitude:       lon,
		HDOP:            hdop,
		AltitudeM:       alt,
		FixMode:         fixMode,
		SpeedKmh:        speed,
		UTCDate:         parts[8],
		SatellitesInUse: sats,
	}, nil
}

// parseDM parses a ddmm.mmmm-style field with a trailing hemisphere letter
// (N/S or E/W) into signed decimal degrees. degreeDigits is 2 for latitude,
// 3 for longitude.
func parseDM(raw string, degreeDigits int) (float64, error) {
	if len(raw) <= degreeDigits+1 {
		return 0, newParseError("field too short for degree-minute format", raw, nil)
	}
	degStr := raw[:degreeDigits]
	minStr := raw[degreeDigits : len(raw)-1]
	dir := raw[len(raw)-1:]

	deg, err := strconv.Atoi(degStr)
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(minStr, 64)
	if err != nil {
		return 0, err
	}

	value := float64(deg) + min/60.0
	if dir == "S" || dir == "W" {
		value = -value
	}
	return value, nil
}

// SatelliteInfo is the parsed result of a GSV query (spec §4.A "Satellites
// view").
type SatelliteInfo struct {
	Total   int
	Systems map[string]int
	RawGSV  []string
}

var gsvSystemNames = map[string]string{
	"GP": "GPS",
	"GB": "BeiDou",
	"GL": "GLONASS",
	"GA": "Galileo",
}

// parseGSV extracts per-constellation satellites-in-view counts from GSV
// sentence lines.
func parseGSV(lines []string) SatelliteInfo {
	info := SatelliteInfo{Systems: make(map[string]int)}

	for _, line := range lines {
		idx := strings.Index(line, "$")
		if idx < 0 || !strings.Contains(line, "GSV") {
			continue
		}
		sentence := line[idx:]
		info.RawGSV = append(info.RawGSV, sentence)

		parts := strings.Split(sentence, ",")
		if len(parts) < 4 || len(parts[0]) < 3 {
			continue
		}
		talker := parts[0][1:3]
		msgIdx, err := strconv.Atoi(parts[2])
		if err != nil || msgIdx != 1 {
			continue
		}
		count, err := strconv.Atoi(parts[3])
		if err != nil {
			continue
		}
		name, ok := gsvSystemNames[talker]
		if !ok {
			name = "Unknown"
		}
		info.Systems[name] = count
	}

	for _, n := range info.Systems {
		info.Total += n
	}
	return info
}
