// Package gtfs maps rows of a GTFS static feed onto the station and line
// codes used by the position feed.
package gtfs

import (
	"regexp"
	"strings"
)

// StopTime is one scheduled stop of a trip as read from stop_times joined
// with trips, routes and stops.
type StopTime struct {
	TripID       string
	RouteID      string
	RouteName    string
	DirectionID  int
	StopSequence int
	DepartureSec int // seconds since midnight (can exceed 24h)
	StopID       string
	ParentID     string
}

// Trip is the ordered stops of one trip.
type Trip struct {
	TripID      string
	RouteID     string
	RouteName   string
	DirectionID int
	Stops       []StopTime
}

var stationCodeRe = regexp.MustCompile(`(?:^|_)([A-Z][0-9]{2})(?:_|$)`)

// StationCode extracts a station code such as "A01" from a stop or parent
// station id like "PF_A01_C" or "STN_A01_F01".
func StationCode(stopID string) (string, bool) {
	m := stationCodeRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(stopID)))
	if m == nil {
		return "", false
	}
	return m[1], true
}

var lineCodes = map[string]string{
	"RED":    "RD",
	"BLUE":   "BL",
	"ORANGE": "OR",
	"SILVER": "SV",
	"GREEN":  "GR",
	"YELLOW": "YL",
}

// LineCode maps a route name ("RED", "Red Line") or an existing two-letter
// code onto the feed's line code.
func LineCode(routeName string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(routeName))
	s = strings.TrimSuffix(s, " LINE")
	if code, ok := lineCodes[s]; ok {
		return code, true
	}
	for _, code := range lineCodes {
		if s == code {
			return code, true
		}
	}
	return "", false
}

// DirectionNumber converts a GTFS direction_id (0 or 1) to the feed's
// direction number (1 or 2).
func DirectionNumber(directionID int) int {
	if directionID == 1 {
		return 2
	}
	return 1
}

// Directory is an explicit GTFS id mapping, such as the stations CSV.
type Directory interface {
	LineForRoute(routeID string) (string, bool)
	StationForStop(stopID string) (string, bool)
}

// Mapper resolves GTFS ids through a Directory first and falls back to the
// naming conventions of the feed's ids. A nil Directory uses only the
// conventions.
type Mapper struct {
	Directory Directory
}

// Line resolves the line code of a trip.
func (m Mapper) Line(t Trip) (string, bool) {
	if m.Directory != nil {
		if code, ok := m.Directory.LineForRoute(t.RouteID); ok {
			return code, true
		}
	}
	if code, ok := LineCode(t.RouteName); ok {
		return code, true
	}
	return LineCode(t.RouteID)
}

// Station resolves the station code of a stop, preferring its parent.
func (m Mapper) Station(s StopTime) (string, bool) {
	if m.Directory != nil {
		for _, id := range []string{s.StopID, s.ParentID} {
			if code, ok := m.Directory.StationForStop(id); ok {
				return code, true
			}
		}
	}
	if code, ok := StationCode(s.ParentID); ok {
		return code, true
	}
	return StationCode(s.StopID)
}

// Destination is the station of the trip's last stop.
func (m Mapper) Destination(t Trip) (string, bool) {
	if len(t.Stops) == 0 {
		return "", false
	}
	return m.Station(t.Stops[len(t.Stops)-1])
}
