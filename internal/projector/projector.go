// Package projector turns the per-train map into per-station arrival boards,
// mixing in scheduled departures that no live train already covers.
package projector

import (
	"math"
	"sort"
	"strconv"
	"time"

	"metrorail-tracker/internal/duration"
	"metrorail-tracker/internal/graph"
	"metrorail-tracker/internal/logger"
	"metrorail-tracker/internal/rail"
	"metrorail-tracker/internal/schedule"
)

type Durations interface {
	Duration(from, to string) (float64, bool)
	PredictedRideTime(now time.Time, from, to string, train *rail.TrainStatus, running duration.Approaching) (float64, bool)
}

type Schedule interface {
	Between(station string, from, to time.Time) []schedule.Departure
}

type Stations interface {
	Name(code string) (string, bool)
	Abbreviation(code string) string
	CombinedKeys() map[string][]string
}

type Config struct {
	// SuppressionFraction is how far into the gap between two scheduled
	// departures the latest live ETA may reach before the later departure is
	// shown alongside it.
	SuppressionFraction float64
	// ScheduleWindow bounds scheduled departures considered on either side
	// of now.
	ScheduleWindow time.Duration
	// DisplayHorizon hides scheduled departures further out than this.
	DisplayHorizon   time.Duration
	TerminalStations []string
}

func (c Config) withDefaults() Config {
	if c.SuppressionFraction <= 0 {
		c.SuppressionFraction = 0.5
	}
	if c.ScheduleWindow <= 0 {
		c.ScheduleWindow = time.Hour
	}
	if c.DisplayHorizon <= 0 {
		c.DisplayHorizon = time.Hour
	}
	return c
}

type Deps struct {
	Durations Durations
	Schedule  Schedule
	Stations  Stations
	Logger    logger.Logger
}

// Board maps a station code, or a combined multi-level key, to its entries
// sorted by ETA. A Board is never modified once returned.
type Board map[string][]*rail.TrainStatus

// Approaching lists the live trains headed for a station.
func (b Board) Approaching(station string) []*rail.TrainStatus {
	var out []*rail.TrainStatus
	for _, ts := range b[station] {
		if !ts.IsScheduled {
			out = append(out, ts)
		}
	}
	return out
}

type Projector struct {
	net       *graph.Network
	durations Durations
	schedule  Schedule
	stations  Stations
	cfg       Config
	log       logger.Logger

	terminalCircuits map[int]struct{}
}

func New(net *graph.Network, deps Deps, cfg Config) *Projector {
	cfg = cfg.withDefaults()
	p := &Projector{
		net:       net,
		durations: deps.Durations,
		schedule:  deps.Schedule,
		stations:  deps.Stations,
		cfg:       cfg,
		log:       deps.Logger,
	}
	if p.log == nil {
		p.log = logger.Nop()
	}
	terminals := cfg.TerminalStations
	if len(terminals) == 0 {
		terminals = net.TerminalStations()
	}
	p.terminalCircuits = net.TerminalCircuits(terminals)
	return p
}

// Project builds every station's board. running is the previous board and
// feeds ride time predictions; it may be nil.
func (p *Projector) Project(now time.Time, trains map[string]*rail.TrainStatus, running Board) Board {
	ids := make([]string, 0, len(trains))
	for id, ts := range trains {
		if p.displayable(ts) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var approaching duration.Approaching
	if running != nil {
		approaching = running
	}

	board := make(Board)
	for _, station := range p.net.StationCodes() {
		var entries []*rail.TrainStatus
		for _, id := range ids {
			if e := p.project(now, trains[id], station, approaching); e != nil {
				entries = append(entries, e)
			}
		}
		if p.schedule != nil {
			entries = append(entries, p.scheduled(now, station, entries)...)
		}
		if len(entries) > 0 {
			sortEntries(entries)
			board[station] = entries
		}
	}

	for key, codes := range p.stations.CombinedKeys() {
		var merged []*rail.TrainStatus
		for _, code := range codes {
			merged = append(merged, board[code]...)
		}
		if len(merged) > 0 {
			sortEntries(merged)
			board[key] = merged
		}
	}

	p.log.Debug("stations projected", "stations", len(board), "trains", len(ids))
	return board
}

func (p *Projector) displayable(ts *rail.TrainStatus) bool {
	if ts == nil || ts.KeyedDown || ts.NotOnRevenueTrack || ts.DestinationName == rail.NoPassenger {
		return false
	}
	_, atTerminal := p.terminalCircuits[ts.CircuitID]
	return !atTerminal
}

// project returns the train's entry for a station, or nil when the train is
// not headed there.
func (p *Projector) project(now time.Time, ts *rail.TrainStatus, station string, running duration.Approaching) *rail.TrainStatus {
	eta, ok := p.etaToStation(ts, station)
	if !ok {
		if !p.justLeft(ts, station) {
			return nil
		}
		eta = 0
	}

	entry := *ts
	entry.LocationCode = station
	entry.LocationName = station
	if name, ok := p.stations.Name(station); ok {
		entry.LocationName = name
	}
	entry.ParentStatus = ts.Status
	entry.Status = statusFor(eta)
	entry.MinutesAway = &eta
	entry.EstimatedMinutesAway = nil
	if d, ok := p.durations.PredictedRideTime(now, ts.LastVisitedStationCode, station, ts, running); ok {
		entry.EstimatedMinutesAway = &d
	}
	return &entry
}

// etaToStation is the train's minutes to its next station plus the usual
// run from there, provided the station lies between the train and its
// destination. Without a known run time the station is skipped.
func (p *Projector) etaToStation(ts *rail.TrainStatus, station string) (float64, bool) {
	if ts.LocationCode == "" || ts.DestinationCode == "" || ts.MinutesAway == nil {
		return 0, false
	}
	loc, ok := p.net.StationCircuit(ts.LocationCode, ts.TrackNumber)
	if !ok {
		return 0, false
	}
	target, ok := p.net.StationCircuit(station, ts.TrackNumber)
	if !ok {
		return 0, false
	}
	dest, ok := p.net.StationCircuit(ts.DestinationCode, ts.TrackNumber)
	if !ok {
		return 0, false
	}
	forward := forwardOf(ts.DirectionNumber)
	if loc.ID != target.ID && !p.net.ReachableStations(loc.ID, forward).Has(station) {
		return 0, false
	}
	if target.ID != dest.ID && !p.net.ReachableStations(target.ID, forward).Has(ts.DestinationCode) {
		return 0, false
	}
	eta := *ts.MinutesAway
	if station == ts.LocationCode {
		return eta, true
	}
	d, ok := p.durations.Duration(ts.LocationCode, station)
	if !ok {
		return 0, false
	}
	return eta + d, true
}

// justLeft keeps a train on the board of the station it is pulling out of
// while it is still on the circuit right past the platform.
func (p *Projector) justLeft(ts *rail.TrainStatus, station string) bool {
	if ts.Status == rail.StatusUnknown || !ts.InService() || ts.DestinationCode == "" {
		return false
	}
	if ts.LastVisitedStationCode != station {
		return false
	}
	platform, ok := p.net.StationCircuit(station, ts.TrackNumber)
	if !ok {
		return false
	}
	next := platform.Children()
	if forwardOf(ts.DirectionNumber) == graph.DirectionParent {
		next = platform.Parents()
	}
	for _, id := range next {
		if id == ts.CircuitID {
			return true
		}
	}
	return false
}

type scheduleKey struct {
	line        string
	direction   int
	destination string
}

// scheduled returns the scheduled departures worth showing next to the live
// entries of a station. A departure is hidden while a live train plausibly
// is that departure.
func (p *Projector) scheduled(now time.Time, station string, live []*rail.TrainStatus) []*rail.TrainStatus {
	window := p.cfg.ScheduleWindow
	departures := p.schedule.Between(station, now.Add(-window), now.Add(window))
	if len(departures) == 0 {
		return nil
	}

	latest := make(map[scheduleKey]float64)
	for _, e := range live {
		k := scheduleKey{e.LineCode, e.DirectionNumber, e.DestinationCode}
		if cur, ok := latest[k]; !ok || *e.MinutesAway > cur {
			latest[k] = *e.MinutesAway
		}
	}

	previous := make(map[scheduleKey]float64)
	released := make(map[scheduleKey]bool)
	var out []*rail.TrainStatus
	for _, d := range departures {
		minutes := d.At.Sub(now).Minutes()
		k := scheduleKey{d.LineCode, d.DirectionNumber, d.DestinationCode}
		maxLive, hasLive := latest[k]

		show := false
		switch {
		case minutes < 0:
		case !hasLive:
			show = true
		case minutes <= maxLive:
		case released[k]:
			show = true
		default:
			if before, ok := previous[k]; ok {
				threshold := before + (minutes-before)*p.cfg.SuppressionFraction
				if maxLive < threshold {
					show = true
					released[k] = true
				}
			}
		}
		previous[k] = minutes
		if show && minutes <= p.cfg.DisplayHorizon.Minutes() {
			out = append(out, p.scheduledEntry(now, station, d, minutes))
		}
	}
	return out
}

func (p *Projector) scheduledEntry(now time.Time, station string, d schedule.Departure, minutes float64) *rail.TrainStatus {
	at := d.At
	e := &rail.TrainStatus{
		TrainID:                 "scheduled:" + station + ":" + d.LineCode + ":" + strconv.FormatInt(at.Unix(), 10),
		Cars:                    rail.NotApplicable,
		LineCode:                d.LineCode,
		DestinationCode:         d.DestinationCode,
		DestinationName:         rail.NotApplicable,
		DestinationAbbreviation: p.stations.Abbreviation(d.DestinationCode),
		DirectionNumber:         d.DirectionNumber,
		LocationCode:            station,
		LocationName:            station,
		Status:                  at.Format("3:04"),
		MinutesAway:             &minutes,
		ScheduledTime:           &at,
		IsScheduled:             true,
		ObservedAt:              now,
	}
	if name, ok := p.stations.Name(d.DestinationCode); ok {
		e.DestinationName = name
	}
	if name, ok := p.stations.Name(station); ok {
		e.LocationName = name
	}
	return e
}

func forwardOf(directionNum int) int {
	if directionNum == 1 {
		return graph.DirectionChild
	}
	return graph.DirectionParent
}

func statusFor(eta float64) string {
	if eta == 0 {
		return rail.StatusBoarding
	}
	r := math.Round(eta)
	if r <= 0 {
		return rail.StatusArriving
	}
	return strconv.Itoa(int(r))
}

// sortKey orders boarding before arriving before numeric minutes, with
// anything unresolved last.
func sortKey(e *rail.TrainStatus) float64 {
	if e.MinutesAway != nil {
		return *e.MinutesAway
	}
	switch e.Status {
	case rail.StatusBoarding:
		return -1
	case rail.StatusArriving:
		return 0
	}
	if n, err := strconv.Atoi(e.Status); err == nil {
		return float64(n)
	}
	return 999
}

func sortEntries(entries []*rail.TrainStatus) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := sortKey(entries[i]), sortKey(entries[j])
		if a != b {
			return a < b
		}
		return entries[i].TrainID < entries[j].TrainID
	})
}
