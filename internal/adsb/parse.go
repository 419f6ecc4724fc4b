package adsb

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/yegors/airspace-billing/internal/geo"
	"github.com/yegors/airspace-billing/internal/tracking"
)

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)

// IsHexCode checks if a string is a valid hex code (ICAO address)
func IsHexCode(s string) bool {
	return hexPattern.MatchString(s)
}

// CleanFlightName removes whitespace and null characters from flight names
func CleanFlightName(flight string) string {
	return strings.TrimSpace(strings.ReplaceAll(flight, "\x00", ""))
}

// ParseAircraftJSON converts a feed document to position samples. It accepts
// the readsb aircraft.json layout ("now" in seconds, "aircraft" list), the
// aggregator layout ("now" in milliseconds, "ac" list) and a plain array of
// samples. Aircraft without a usable position are counted in skipped.
func ParseAircraftJSON(data []byte, fallbackNow time.Time) (samples []tracking.PositionSample, skipped int, err error) {
	if !gjson.ValidBytes(data) {
		return nil, 0, errors.New("failed to parse JSON: invalid document")
	}
	root := gjson.ParseBytes(data)

	if root.IsArray() {
		root.ForEach(func(_, v gjson.Result) bool {
			if s, ok := parseSample(v); ok {
				samples = append(samples, s)
			} else {
				skipped++
			}
			return true
		})
		return samples, skipped, nil
	}

	list := root.Get("aircraft")
	if !list.Exists() {
		list = root.Get("ac")
	}
	if !list.IsArray() {
		return nil, 0, errors.New("failed to parse JSON: no aircraft list")
	}

	now := fallbackNow
	if n := root.Get("now"); n.Type == gjson.Number {
		now = feedTime(n.Float())
	}

	list.ForEach(func(_, v gjson.Result) bool {
		if s, ok := parseTarget(v, now); ok {
			samples = append(samples, s)
		} else {
			skipped++
		}
		return true
	})
	return samples, skipped, nil
}

// feedTime interprets "now" as seconds or milliseconds since the epoch.
func feedTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).Truncate(time.Millisecond).UTC()
}

func parseTarget(v gjson.Result, now time.Time) (tracking.PositionSample, bool) {
	hex := strings.TrimPrefix(v.Get("hex").String(), "~")
	lat, lon := v.Get("lat"), v.Get("lon")
	if !IsHexCode(hex) || lat.Type != gjson.Number || lon.Type != gjson.Number {
		return tracking.PositionSample{}, false
	}
	if !geo.ValidLatLon(lat.Float(), lon.Float()) {
		return tracking.PositionSample{}, false
	}

	id := strings.ToUpper(hex)
	s := tracking.PositionSample{
		FlightID:      id,
		AircraftID:    id,
		Callsign:      CleanFlightName(v.Get("flight").String()),
		Lat:           lat.Float(),
		Lon:           lon.Float(),
		GroundSpeedKt: v.Get("gs").Float(),
		Heading:       v.Get("track").Float(),
		VerticalRate:  v.Get("baro_rate").Float(),
	}

	// alt_baro is either a number or the string "ground"
	switch alt := v.Get("alt_baro"); alt.Type {
	case gjson.Number:
		s.AltitudeFt = alt.Float()
	case gjson.String:
		s.OnGround = alt.String() == "ground"
	default:
		s.AltitudeFt = v.Get("alt_geom").Float()
	}

	age := v.Get("seen_pos")
	if !age.Exists() {
		age = v.Get("seen")
	}
	s.Timestamp = now.Add(-time.Duration(age.Float() * float64(time.Second))).Truncate(time.Millisecond)
	return s, true
}

func parseSample(v gjson.Result) (tracking.PositionSample, bool) {
	lat, lon := v.Get("lat"), v.Get("lon")
	if lat.Type != gjson.Number || lon.Type != gjson.Number || !geo.ValidLatLon(lat.Float(), lon.Float()) {
		return tracking.PositionSample{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v.Get("timestamp").String())
	if err != nil {
		return tracking.PositionSample{}, false
	}
	s := tracking.PositionSample{
		FlightID:      v.Get("flight_id").String(),
		AircraftID:    v.Get("aircraft_id").String(),
		Callsign:      CleanFlightName(v.Get("callsign").String()),
		Lat:           lat.Float(),
		Lon:           lon.Float(),
		AltitudeFt:    v.Get("altitude_ft").Float(),
		GroundSpeedKt: v.Get("ground_speed_kt").Float(),
		Heading:       v.Get("heading").Float(),
		VerticalRate:  v.Get("vertical_rate").Float(),
		OnGround:      v.Get("on_ground").Bool(),
		Timestamp:     ts,
	}
	if s.FlightID == "" {
		return tracking.PositionSample{}, false
	}
	return s, true
}
