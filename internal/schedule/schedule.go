// Package schedule answers questions about published service: expected
// headways, valid destinations and upcoming departures per station.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"
)

// Departure is one scheduled train leaving a station.
type Departure struct {
	StationCode     string    `json:"stationCode"`
	LineCode        string    `json:"lineCode"`
	DirectionNumber int       `json:"directionNumber"`
	DestinationCode string    `json:"destinationCode"`
	At              time.Time `json:"at"`
}

// Source loads the departures of one service day. day is local midnight.
type Source interface {
	Departures(ctx context.Context, day time.Time) ([]Departure, error)
}

// frequencyWindow is how far either side of a moment departures are
// considered when estimating the headway at that moment.
const frequencyWindow = 30 * time.Minute

// Table is an immutable index over departures.
type Table struct {
	byStation    map[string][]Departure
	destinations map[string][]string
}

func NewTable(deps []Departure) *Table {
	t := &Table{
		byStation:    make(map[string][]Departure),
		destinations: make(map[string][]string),
	}
	seen := make(map[string]map[string]bool)
	for _, d := range deps {
		t.byStation[d.StationCode] = append(t.byStation[d.StationCode], d)
		if d.DestinationCode == "" {
			continue
		}
		k := lineDirectionKey(d.LineCode, d.DirectionNumber)
		if seen[k] == nil {
			seen[k] = make(map[string]bool)
		}
		if !seen[k][d.DestinationCode] {
			seen[k][d.DestinationCode] = true
			t.destinations[k] = append(t.destinations[k], d.DestinationCode)
		}
	}
	for _, list := range t.byStation {
		sort.SliceStable(list, func(i, j int) bool { return list[i].At.Before(list[j].At) })
	}
	for _, list := range t.destinations {
		sort.Strings(list)
	}
	return t
}

func lineDirectionKey(line string, direction int) string {
	return line + "_" + strconv.Itoa(direction)
}

// ExpectedFrequency returns the mean minutes between scheduled departures of
// a line and direction at a station around a moment, or false when fewer than
// two departures fall in the window.
func (t *Table) ExpectedFrequency(line string, direction int, station string, at time.Time) (float64, bool) {
	var times []time.Time
	for _, d := range t.byStation[station] {
		if d.LineCode != line || d.DirectionNumber != direction {
			continue
		}
		if d.At.Before(at.Add(-frequencyWindow)) || d.At.After(at.Add(frequencyWindow)) {
			continue
		}
		times = append(times, d.At)
	}
	if len(times) < 2 {
		return 0, false
	}
	span := times[len(times)-1].Sub(times[0]).Minutes()
	return span / float64(len(times)-1), true
}

// ScheduledDestinations lists every destination served by a line and
// direction, sorted.
func (t *Table) ScheduledDestinations(line string, direction int) []string {
	return t.destinations[lineDirectionKey(line, direction)]
}

// IsScheduledDestination reports whether any direction of a line terminates
// at a station.
func (t *Table) IsScheduledDestination(line, station string) bool {
	for _, dir := range []int{1, 2} {
		for _, code := range t.destinations[lineDirectionKey(line, dir)] {
			if code == station {
				return true
			}
		}
	}
	return false
}

// Between returns departures at a station in [from, to], in time order.
func (t *Table) Between(station string, from, to time.Time) []Departure {
	var out []Departure
	for _, d := range t.byStation[station] {
		if d.At.Before(from) {
			continue
		}
		if d.At.After(to) {
			break
		}
		out = append(out, d)
	}
	return out
}

// Stations lists every station with at least one departure, sorted.
func (t *Table) Stations() []string {
	out := make([]string, 0, len(t.byStation))
	for code := range t.byStation {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Service keeps the table for the current and previous service days loaded
// and swaps it atomically on refresh.
type Service struct {
	src   Source
	tz    *time.Location
	table atomic.Pointer[Table]
	day   atomic.Int64 // unix seconds of the loaded service day
}

func NewService(src Source, tz *time.Location) *Service {
	if tz == nil {
		tz = time.Local
	}
	s := &Service{src: src, tz: tz}
	s.table.Store(NewTable(nil))
	return s
}

// Refresh loads the service day containing now when it is not loaded yet.
// Departures from the previous day are included so trips running past
// midnight stay visible.
func (s *Service) Refresh(ctx context.Context, now time.Time) (bool, error) {
	day := midnight(now.In(s.tz))
	if s.day.Load() == day.Unix() {
		return false, nil
	}
	prev, err := s.src.Departures(ctx, day.AddDate(0, 0, -1))
	if err != nil {
		return false, fmt.Errorf("load departures for %s: %w", day.AddDate(0, 0, -1).Format("2006-01-02"), err)
	}
	cur, err := s.src.Departures(ctx, day)
	if err != nil {
		return false, fmt.Errorf("load departures for %s: %w", day.Format("2006-01-02"), err)
	}
	s.table.Store(NewTable(append(prev, cur...)))
	s.day.Store(day.Unix())
	return true, nil
}

func (s *Service) Table() *Table {
	return s.table.Load()
}

func (s *Service) ExpectedFrequency(line string, direction int, station string, at time.Time) (float64, bool) {
	return s.table.Load().ExpectedFrequency(line, direction, station, at)
}

func (s *Service) ScheduledDestinations(line string, direction int) []string {
	return s.table.Load().ScheduledDestinations(line, direction)
}

func (s *Service) IsScheduledDestination(line, station string) bool {
	return s.table.Load().IsScheduledDestination(line, station)
}

func (s *Service) Between(station string, from, to time.Time) []Departure {
	return s.table.Load().Between(station, from, to)
}

func (s *Service) Stations() []string {
	return s.table.Load().Stations()
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
