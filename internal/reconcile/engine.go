// Package reconcile folds each poll of raw train positions into the previous
// tick's per-train state: stations, ETAs, delays, trips and duplicates.
package reconcile

import (
	"sort"
	"time"

	"metrorail-tracker/internal/duration"
	"metrorail-tracker/internal/graph"
	"metrorail-tracker/internal/logger"
	"metrorail-tracker/internal/rail"
)

// Schedule is the part of the schedule collaborator the engine consults.
type Schedule interface {
	ExpectedFrequency(line string, direction int, station string, at time.Time) (float64, bool)
	ScheduledDestinations(line string, direction int) []string
	IsScheduledDestination(line, station string) bool
}

type Stations interface {
	Name(code string) (string, bool)
	Abbreviation(code string) string
}

// Durations is the station distance model as seen by the engine.
type Durations interface {
	Duration(from, to string) (float64, bool)
	MedianDuration(from, to string) (float64, bool)
	SegmentDistance(from, to string, track int) (float64, bool)
	ObserveTrip(trip rail.TripRecord, keyedDown bool)
	PredictedRideTime(now time.Time, from, to string, train *rail.TrainStatus, running duration.Approaching) (float64, bool)
}

// Tags supplies per-train annotation counts and follows trains through
// duplicate merges.
type Tags interface {
	TrainTagCounts(trainID string) map[string]int
	MigrateTrainTags(fromID, toID string)
}

type Config struct {
	MergeDistanceFeet       float64
	DwellOffScheduleSeconds int
	KeyedDownAfter          time.Duration
	MaxSpeedMPH             int
	OffloadWindow           time.Duration
	// TerminalStations replaces the line ends derived from the graph.
	TerminalStations []string
}

func (c Config) withDefaults() Config {
	if c.MergeDistanceFeet <= 0 {
		c.MergeDistanceFeet = 1800
	}
	if c.DwellOffScheduleSeconds <= 0 {
		c.DwellOffScheduleSeconds = 75
	}
	if c.KeyedDownAfter <= 0 {
		c.KeyedDownAfter = 30 * time.Minute
	}
	if c.MaxSpeedMPH <= 0 {
		c.MaxSpeedMPH = 75
	}
	if c.OffloadWindow <= 0 {
		c.OffloadWindow = 30 * time.Second
	}
	return c
}

// Deps are the collaborators of an Engine. Tags and Logger may be nil.
type Deps struct {
	Durations Durations
	Schedule  Schedule
	Stations  Stations
	Tags      Tags
	Logger    logger.Logger
}

// Engine owns the previous tick's train map and the records that outlive a
// tick. Tick must be called from a single goroutine.
type Engine struct {
	net       *graph.Network
	durations Durations
	schedule  Schedule
	stations  Stations
	tags      Tags
	cfg       Config
	log       logger.Logger

	terminalStations graph.StationSet
	terminalCircuits map[int]struct{}

	records *Records
	merged  *BiMap
	prev    map[string]*rail.TrainStatus
}

func New(net *graph.Network, deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		net:       net,
		durations: deps.Durations,
		schedule:  deps.Schedule,
		stations:  deps.Stations,
		tags:      deps.Tags,
		cfg:       cfg,
		log:       deps.Logger,
		records:   NewRecords(),
		merged:    NewBiMap(),
		prev:      make(map[string]*rail.TrainStatus),
	}
	if e.tags == nil {
		e.tags = noTags{}
	}
	if e.log == nil {
		e.log = logger.Nop()
	}

	terminals := cfg.TerminalStations
	if len(terminals) == 0 {
		terminals = net.TerminalStations()
	}
	e.terminalStations = make(graph.StationSet, len(terminals))
	for _, code := range terminals {
		e.terminalStations[code] = struct{}{}
	}
	e.terminalCircuits = net.TerminalCircuits(terminals)
	return e
}

type noTags struct{}

func (noTags) TrainTagCounts(string) map[string]int { return nil }
func (noTags) MigrateTrainTags(string, string)      {}

// Result is everything one tick produced. Its maps are not modified after
// Tick returns.
type Result struct {
	At          time.Time
	Trains      map[string]*rail.TrainStatus
	Events      rail.Events
	DelayStatus map[string]rail.DelayStatus
	Skipped     int
}

// tick carries the state of one reconciliation pass.
type tick struct {
	e       *Engine
	now     time.Time
	running duration.Approaching
	trains  map[string]*rail.TrainStatus
	events  rail.Events
	skipped int
}

// Tick reconciles one poll against the previous tick. running lists trains
// headed for each station as of the previous tick and is used for ride time
// prediction; it may be nil.
func (e *Engine) Tick(now time.Time, observations []rail.Observation, running duration.Approaching) *Result {
	t := &tick{
		e:       e,
		now:     now,
		running: running,
		trains:  make(map[string]*rail.TrainStatus, len(observations)),
	}
	for _, obs := range observations {
		if reason := malformed(obs); reason != "" {
			t.skipped++
			e.log.Debug("skipping observation", "train_id", obs.TrainID, "circuit_id", obs.CircuitID, "reason", reason)
			continue
		}
		if obs.CarCount == 0 && obs.ServiceType == rail.ServiceUnknown {
			t.skipped++
			continue
		}
		status, ok := t.mergeObservation(e.prev[obs.TrainID], obs)
		if !ok {
			continue
		}
		t.trains[obs.TrainID] = &status
	}

	t.reconcileVanished()
	t.mergeDuplicates()
	e.prev = t.trains

	e.log.Debug("tick reconciled",
		"trains", len(t.trains),
		"skipped", t.skipped,
		"events", t.events.Len(),
	)
	return &Result{
		At:          now,
		Trains:      t.trains,
		Events:      t.events,
		DelayStatus: e.BetweenStationDelayStatus(),
		Skipped:     t.skipped,
	}
}

func malformed(obs rail.Observation) string {
	switch {
	case obs.TrainID == "":
		return "missing train id"
	case obs.DirectionNum != 1 && obs.DirectionNum != 2:
		return "direction must be 1 or 2"
	case obs.CircuitID <= 0:
		return "missing circuit id"
	}
	return ""
}

// Restore seeds the previous tick, typically from a cached snapshot after a
// restart. It must not be called concurrently with Tick.
func (e *Engine) Restore(trains map[string]*rail.TrainStatus) {
	prev := make(map[string]*rail.TrainStatus, len(trains))
	for id, ts := range trains {
		if ts != nil && !ts.IsScheduled {
			prev[id] = ts
		}
	}
	e.prev = prev
}

func (e *Engine) Records() *Records { return e.records }

// MergedCount is the number of sensor ids currently folded into another.
func (e *Engine) MergedCount() int { return e.merged.Len() }

// IsTerminalCircuit reports whether a circuit belongs to a terminal station's
// neighborhood.
func (e *Engine) IsTerminalCircuit(id int) bool {
	_, ok := e.terminalCircuits[id]
	return ok
}

func sortedIDs(m map[string]*rail.TrainStatus) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
