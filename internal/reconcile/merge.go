package reconcile

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"metrorail-tracker/internal/graph"
	"metrorail-tracker/internal/rail"
)

// originDwellMinutes is the boarding allowance folded into derived durations.
const originDwellMinutes = 0.5

func ptr[T any](v T) *T { return &v }

// travel returns the graph directions a train moves in and comes from.
func travel(directionNum int) (forward, backward int) {
	if directionNum == 1 {
		return graph.DirectionChild, graph.DirectionParent
	}
	return graph.DirectionParent, graph.DirectionChild
}

// mergeObservation builds this tick's status for one train. It reports false
// when the train cannot be placed at all.
func (t *tick) mergeObservation(prev *rail.TrainStatus, obs rail.Observation) (rail.TrainStatus, bool) {
	e := t.e
	c, ok := e.net.Circuit(obs.CircuitID)
	if !ok {
		if prev == nil {
			e.log.Debug("dropping train off revenue track", "train_id", obs.TrainID, "circuit_id", obs.CircuitID)
			return rail.TrainStatus{}, false
		}
		return t.offRevenue(prev, obs), true
	}
	c = e.snapTail(c)
	forward, backward := travel(obs.DirectionNum)

	cur := rail.TrainStatus{
		TrainID:                 obs.TrainID,
		TrainNumber:             obs.TrainNumber,
		OriginalLineCode:        obs.LineCode,
		OriginalDestinationCode: obs.DestinationStationCode,
		DirectionNumber:         obs.DirectionNum,
		TrackNumber:             c.Track,
		CircuitID:               c.ID,
		RawCircuitID:            obs.CircuitID,
		CircuitName:             c.TrackID,
		ObservedAt:              t.now,
		FirstObserved:           t.now,
	}
	if loc, ok := e.net.Location(c.ID); ok {
		cur.Lat, cur.Lon = ptr(loc.Lat), ptr(loc.Lon)
	}
	if b, ok := e.net.Bearing(c.ID, forward); ok {
		cur.BearingDeg = ptr(b)
	}

	t.trackMovement(prev, &cur, c, obs)

	cur.LocationCode = e.locateStation(c, forward, obs.DestinationStationCode)
	cur.PreviousStationCode = e.net.NextStationCode(c.ID, backward)
	if !graph.IsValidStationCode(cur.PreviousStationCode) {
		cur.PreviousStationCode = ""
		if prev != nil && prev.PreviousStationCode != cur.LocationCode {
			cur.PreviousStationCode = prev.PreviousStationCode
		}
	}
	t.estimateArrival(&cur, c)

	cur.Cars = cars(obs.CarCount, prev)
	cur.LineCode = lineCode(obs)
	cur.DestinationCode = e.correctDestination(c.ID, forward, obs.DirectionNum, cur.LocationCode, cur.LineCode, obs.DestinationStationCode)
	e.nameStations(&cur)
	cur.TagCounts = e.tags.TrainTagCounts(cur.TrainID)

	cur.KeyedDown = time.Duration(cur.SecondsSinceLastMoved)*time.Second >= e.cfg.KeyedDownAfter
	if prev == nil {
		cur.TripID = uuid.NewString()
	} else {
		newTrip := prev.LineCode == rail.NotApplicable && cur.LineCode != rail.NotApplicable
		carryVisit(prev, &cur)
		cur.WasKeyedDown = prev.KeyedDown || prev.WasKeyedDown
		cur.FirstObserved = prev.FirstObserved
		if newTrip {
			cur.TripID = uuid.NewString()
		} else {
			cur.TripID = prev.TripID
			cur.SecondsDelayed = prev.SecondsDelayed
			cur.SecondsOffSchedule = prev.SecondsOffSchedule
		}
		t.detectOffload(prev, &cur)
		t.visitStations(prev, &cur)
	}

	if cur.Status == rail.StatusUnknown {
		cur.SecondsDelayed = 0
		cur.SecondsOffSchedule = 0
		clearVisit(&cur)
	}
	if eta, ok := e.durations.PredictedRideTime(t.now, cur.LastVisitedStationCode, cur.LocationCode, &cur, t.running); ok {
		cur.EstimatedMinutesAway = ptr(eta)
	}
	return cur, true
}

// offRevenue carries a known train forward while it sits on a circuit the
// graph does not model, such as a yard lead.
func (t *tick) offRevenue(prev *rail.TrainStatus, obs rail.Observation) rail.TrainStatus {
	e := t.e
	cur := *prev
	cur.NotOnRevenueTrack = true
	cur.SpeedMPH = nil
	cur.RawCircuitID = obs.CircuitID
	cur.SecondsSinceLastMoved = obs.SecondsAtLocation
	cur.WasKeyedDown = prev.KeyedDown || prev.WasKeyedDown
	cur.KeyedDown = time.Duration(obs.SecondsAtLocation)*time.Second >= e.cfg.KeyedDownAfter
	cur.DirectionNumber = obs.DirectionNum
	cur.TrainNumber = obs.TrainNumber
	cur.OriginalLineCode = obs.LineCode
	cur.OriginalDestinationCode = obs.DestinationStationCode
	cur.ObservedAt = t.now
	if n := carsFromCount(obs.CarCount); n != rail.NotApplicable {
		cur.Cars = n
	}

	line := lineCode(obs)
	if prev.LineCode == rail.NotApplicable && line != rail.NotApplicable {
		cur.TripID = uuid.NewString()
		cur.SecondsDelayed = 0
		cur.SecondsOffSchedule = 0
	}
	cur.LineCode = line
	forward, _ := travel(prev.DirectionNumber)
	cur.DestinationCode = e.correctDestination(prev.CircuitID, forward, prev.DirectionNumber, prev.LocationCode, line, obs.DestinationStationCode)
	e.nameStations(&cur)
	cur.TagCounts = e.tags.TrainTagCounts(cur.TrainID)
	return cur
}

// snapTail moves a train off a dead-end tail circuit onto its only neighbor.
func (e *Engine) snapTail(c *graph.Circuit) *graph.Circuit {
	var next int
	switch p, ch := c.Parents(), c.Children(); {
	case len(ch) == 0 && len(p) == 1:
		next = p[0]
	case len(p) == 0 && len(ch) == 1:
		next = ch[0]
	default:
		return c
	}
	if n, ok := e.net.Circuit(next); ok {
		return n
	}
	return c
}

// trackMovement updates the last-moved bookkeeping and the speed estimate.
func (t *tick) trackMovement(prev, cur *rail.TrainStatus, c *graph.Circuit, obs rail.Observation) {
	e := t.e
	cur.SecondsSinceLastMoved = obs.SecondsAtLocation
	if prev == nil {
		return
	}
	cur.LastMovedCircuits = prev.LastMovedCircuits
	if prev.LastMovedCircuits != nil {
		cur.SecondsSinceLastMoved = int(t.now.Sub(*prev.LastMovedCircuits).Seconds())
	}
	if !e.net.IsOrNearStation(c.ID) {
		cur.SpeedMPH = prev.SpeedMPH
	}
	if prev.CircuitID == c.ID {
		return
	}
	moved := prev.DirectionNumber != cur.DirectionNumber ||
		!e.net.IsOrNearStation(c.ID) ||
		!e.net.IsOrNearStation(prev.CircuitID)
	if !moved {
		return
	}

	lastMoved := prev.LastMovedCircuits
	cur.LastMovedCircuits = ptr(t.now)
	cur.SecondsSinceLastMoved = 0
	if lastMoved == nil {
		return
	}
	cur.SpeedMPH = nil
	from, ok := e.net.Circuit(prev.CircuitID)
	if !ok || from.IsStation() || c.IsStation() {
		return
	}
	feet, ok := e.net.MinPhysicalDistance(prev.CircuitID, c.ID)
	minutes := t.now.Sub(*lastMoved).Minutes()
	if !ok || minutes <= 0 {
		return
	}
	mph := int(math.Round(feet / 5280 / (minutes / 60)))
	if mph >= 0 && mph <= e.cfg.MaxSpeedMPH {
		cur.SpeedMPH = ptr(mph)
	}
}

// locateStation resolves the station a train is at or heading to. At a
// junction the declared destination picks the branch.
func (e *Engine) locateStation(c *graph.Circuit, forward int, destination string) string {
	if c.IsStation() {
		return c.StationCode
	}
	next := e.net.NextStationCode(c.ID, forward)
	if graph.IsValidStationCode(next) {
		return next
	}
	if next != graph.Indeterminate || destination == "" {
		return ""
	}
	for _, code := range e.net.NextStationCodes(c.ID, forward).Sorted() {
		if code == destination {
			return code
		}
		platform, ok := e.net.StationCircuit(code, c.Track)
		if !ok {
			continue
		}
		if platform.StationCode == destination || e.net.ReachableStations(platform.ID, forward).Has(destination) {
			return code
		}
	}
	return ""
}

// estimateArrival fills the ETA fields against the location station.
func (t *tick) estimateArrival(cur *rail.TrainStatus, c *graph.Circuit) {
	e := t.e
	cur.Status = rail.StatusUnknown
	if cur.PreviousStationCode != "" && cur.LocationCode != "" {
		if d, ok := e.durations.Duration(cur.PreviousStationCode, cur.LocationCode); ok {
			cur.MaxMinutesAway = ptr(d - originDwellMinutes)
		}
	}

	if c.IsStation() {
		cur.Status = rail.StatusBoarding
		cur.MinutesAway = ptr(0.0)
		cur.DistanceFromNextStation = ptr(0)
		return
	}
	if cur.MaxMinutesAway == nil {
		return
	}
	maxEta := *cur.MaxMinutesAway
	seg, ok := e.durations.SegmentDistance(cur.PreviousStationCode, cur.LocationCode, c.Track)
	if !ok || seg <= 0 {
		return
	}
	left, ok := e.net.DistanceToStation(c.ID, cur.LocationCode)
	if !ok {
		return
	}
	eta := math.Min(left/seg*maxEta, maxEta)
	cur.MinutesAway = ptr(eta)
	cur.DistanceFromNextStation = ptr(int(math.Round(left)))
	if r := math.Round(eta); r <= 0 {
		cur.Status = rail.StatusArriving
	} else {
		cur.Status = strconv.Itoa(int(r))
	}
}

// correctDestination replaces a declared destination the train can no longer
// reach with the nearest reachable scheduled terminus for its line.
func (e *Engine) correctDestination(circuitID, forward, direction int, location, line, declared string) string {
	if declared == "" {
		return declared
	}
	possible := e.net.ReachableStations(circuitID, forward)
	if location != "" {
		possible[location] = struct{}{}
	}
	if possible.Has(declared) {
		return declared
	}

	candidates := append([]string(nil), e.schedule.ScheduledDestinations(line, direction)...)
	sort.Strings(candidates)
	best, bestMinutes := "", math.Inf(1)
	for _, code := range candidates {
		if !possible.Has(code) {
			continue
		}
		if code == location {
			return code
		}
		if d, ok := e.durations.Duration(location, code); ok && d < bestMinutes {
			best, bestMinutes = code, d
		}
	}
	if best == "" {
		return declared
	}
	return best
}

func (e *Engine) nameStations(cur *rail.TrainStatus) {
	switch {
	case cur.LineCode == rail.NotApplicable:
		cur.DestinationName = rail.NoPassenger
	case cur.DestinationCode == "":
		cur.DestinationName = rail.NotApplicable
	default:
		cur.DestinationName = e.stationName(cur.DestinationCode)
	}
	cur.DestinationAbbreviation = ""
	if cur.DestinationCode != "" {
		cur.DestinationAbbreviation = e.stations.Abbreviation(cur.DestinationCode)
	}
	cur.LocationName = rail.NotApplicable
	if cur.LocationCode != "" {
		cur.LocationName = e.stationName(cur.LocationCode)
	}
}

func (e *Engine) stationName(code string) string {
	if name, ok := e.stations.Name(code); ok {
		return name
	}
	return code
}

func lineCode(obs rail.Observation) string {
	if obs.ServiceType == rail.ServiceNoPassengers || obs.LineCode == "" {
		return rail.NotApplicable
	}
	return obs.LineCode
}

// carsFromCount maps the sensor's car count onto the displayed consist size.
// Two and four are how married pairs of an eight and six car train report.
func carsFromCount(n int) string {
	switch n {
	case 0:
		return rail.NotApplicable
	case 2:
		return "8"
	case 4:
		return "6"
	}
	return strconv.Itoa(n)
}

func cars(n int, prev *rail.TrainStatus) string {
	out := carsFromCount(n)
	if n == 0 && prev != nil && prev.Cars != "" {
		return prev.Cars
	}
	return out
}

func parseCars(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// carryVisit copies the last-visited station state forward.
func carryVisit(prev, cur *rail.TrainStatus) {
	cur.LastVisitedStation = prev.LastVisitedStation
	cur.LastVisitedStationCode = prev.LastVisitedStationCode
	cur.SecondsAtLastVisitedStation = prev.SecondsAtLastVisitedStation
	cur.TrackNumberAtLastVisitedStation = prev.TrackNumberAtLastVisitedStation
	cur.DirectionNumberAtLastVisitedStation = prev.DirectionNumberAtLastVisitedStation
	cur.LineCodeAtLastVisitedStation = prev.LineCodeAtLastVisitedStation
	cur.DestinationCodeAtLastVisitedStation = prev.DestinationCodeAtLastVisitedStation
}

func clearVisit(cur *rail.TrainStatus) {
	cur.LastVisitedStation = nil
	cur.LastVisitedStationCode = ""
	cur.SecondsAtLastVisitedStation = nil
	cur.TrackNumberAtLastVisitedStation = 0
	cur.DirectionNumberAtLastVisitedStation = 0
	cur.LineCodeAtLastVisitedStation = ""
	cur.DestinationCodeAtLastVisitedStation = ""
}
