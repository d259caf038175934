package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// FileSource serves departures from a JSON document of daily departure
// times:
//
//	{"departures":[{"station":"A01","line":"RD","direction":1,
//	  "destination":"A15","time":"25:10:00","days":["weekday"]}]}
//
// Times are seconds past the service day's midnight and may exceed 24h.
// days accepts "weekday", "saturday" and "sunday"; empty means every day.
type FileSource struct {
	rows []fileDeparture
}

type fileDeparture struct {
	Station     string   `json:"station"`
	Line        string   `json:"line"`
	Direction   int      `json:"direction"`
	Destination string   `json:"destination"`
	Time        string   `json:"time"`
	Days        []string `json:"days"`

	seconds int
}

func LoadFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schedule: %w", err)
	}
	defer f.Close()
	return ParseFile(f)
}

func ParseFile(r io.Reader) (*FileSource, error) {
	var doc struct {
		Departures []fileDeparture `json:"departures"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	for i := range doc.Departures {
		d := &doc.Departures[i]
		sec, ok := parseDaySeconds(d.Time)
		if !ok {
			return nil, fmt.Errorf("schedule departure %d: bad time %q", i, d.Time)
		}
		if d.Station == "" || d.Line == "" || (d.Direction != 1 && d.Direction != 2) {
			return nil, fmt.Errorf("schedule departure %d: station, line and direction 1 or 2 are required", i)
		}
		d.seconds = sec
	}
	return &FileSource{rows: doc.Departures}, nil
}

func (f *FileSource) Departures(_ context.Context, day time.Time) ([]Departure, error) {
	kind := dayKind(day.Weekday())
	out := make([]Departure, 0, len(f.rows))
	for _, r := range f.rows {
		if !runsOn(r.Days, kind) {
			continue
		}
		out = append(out, Departure{
			StationCode:     r.Station,
			LineCode:        r.Line,
			DirectionNumber: r.Direction,
			DestinationCode: r.Destination,
			At:              day.Add(time.Duration(r.seconds) * time.Second),
		})
	}
	return out, nil
}

func dayKind(w time.Weekday) string {
	switch w {
	case time.Saturday:
		return "saturday"
	case time.Sunday:
		return "sunday"
	default:
		return "weekday"
	}
}

func runsOn(days []string, kind string) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if strings.EqualFold(d, kind) {
			return true
		}
	}
	return false
}

// parseDaySeconds parses HH:MM[:SS] where hours may be 24 or more.
func parseDaySeconds(s string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, false
		}
		vals[i] = v
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, false
	}
	return vals[0]*3600 + vals[1]*60 + vals[2], true
}
