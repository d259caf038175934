package reconcile

import (
	"math"
	"time"

	"github.com/google/uuid"

	"metrorail-tracker/internal/rail"
)

// expressedMaxDwellSeconds is the longest stop still treated as passing
// through without serving the station.
const expressedMaxDwellSeconds = 30

// visitStations advances the last-visited state, closing trips on arrival and
// accruing delay while the train runs between stations.
func (t *tick) visitStations(prev, cur *rail.TrainStatus) {
	at := t.stationAt(prev, cur)
	switch {
	case at != "":
		if at != cur.LastVisitedStationCode {
			t.arrive(prev, cur, at)
		} else if cur.LastVisitedStation != nil {
			t.dwell(cur, at)
		}
		if cur.DirectionNumberAtLastVisitedStation != 0 && cur.DirectionNumber != cur.DirectionNumberAtLastVisitedStation {
			cur.TripID = uuid.NewString()
			cur.SecondsDelayed = 0
			cur.SecondsOffSchedule = 0
		}
		cur.LastVisitedStation = ptr(t.now)
		cur.LastVisitedStationCode = at
		cur.TrackNumberAtLastVisitedStation = cur.TrackNumber
		cur.DirectionNumberAtLastVisitedStation = cur.DirectionNumber
		cur.LineCodeAtLastVisitedStation = cur.LineCode
		cur.DestinationCodeAtLastVisitedStation = cur.DestinationCode
	case cur.LocationCode != "" && cur.PreviousStationCode != "":
		t.accrueDelay(prev, cur)
	}
}

// stationAt returns the station whose platform neighborhood the train is in,
// or "". Leaving a neighborhood since the previous tick records a departure.
func (t *tick) stationAt(prev, cur *rail.TrainStatus) string {
	if cur.LocationCode == "" {
		return ""
	}
	if cur.Status == rail.StatusBoarding {
		return cur.LocationCode
	}
	net := t.e.net
	lastHood := net.StationNeighborhood(cur.LastVisitedStationCode)
	if _, ok := lastHood[cur.CircuitID]; ok {
		return cur.LastVisitedStationCode
	}
	prevHood := net.StationNeighborhood(cur.PreviousStationCode)
	if _, ok := prevHood[cur.CircuitID]; ok {
		return cur.PreviousStationCode
	}
	_, wasLast := lastHood[prev.CircuitID]
	_, wasPrev := prevHood[prev.CircuitID]
	if wasLast || wasPrev {
		t.depart(prev, cur)
	}
	return ""
}

func (t *tick) depart(prev, cur *rail.TrainStatus) {
	station := cur.LastVisitedStationCode
	if station == "" {
		return
	}
	at := prev.ObservedAt
	since, emit := t.e.records.Depart(station, cur.LineCode, cur.DestinationCode, cur.DirectionNumber, cur.TrainID, at)
	if !emit {
		return
	}
	t.events.Departures = append(t.events.Departures, rail.Departure{
		At:                   at,
		TrainID:              cur.TrainID,
		TrainNumber:          cur.TrainNumber,
		LineCode:             cur.LineCode,
		DirectionNumber:      cur.DirectionNumber,
		StationCode:          station,
		DestinationCode:      cur.DestinationCode,
		Cars:                 parseCars(cur.Cars),
		MinutesSincePrevious: since,
	})
}

// arrive handles the train reaching a station other than the one it last
// visited.
func (t *tick) arrive(prev, cur *rail.TrainStatus, station string) {
	e := t.e
	if cur.LineCode != rail.NotApplicable {
		e.records.Arrive(station, cur.LineCode, cur.DirectionNumber, cur.TrainID, t.now)
	}

	if cur.LastVisitedStationCode != "" && cur.LastVisitedStation != nil {
		departed := *cur.LastVisitedStation
		t.checkExpressed(cur, departed)
		t.estimateTrackDelay(cur, station, departed)

		trip := rail.TripRecord{
			TrainID:                   cur.TrainID,
			TrainNumber:               cur.TrainNumber,
			Cars:                      parseCars(cur.Cars),
			DepartingStation:          cur.LastVisitedStationCode,
			DepartingAt:               departed,
			ArrivingStation:           station,
			ArrivingTrack:             cur.TrackNumber,
			ArrivingAt:                t.now,
			DurationMinutes:           t.now.Sub(departed).Minutes(),
			SecondsAtDepartingStation: cur.SecondsAtLastVisitedStation,
			DirectionNumber:           cur.DirectionNumber,
			TripID:                    cur.TripID,
		}
		if cur.LineCode != rail.NotApplicable {
			trip.LineCode = cur.LineCode
		}
		if cur.DestinationCode != rail.NotApplicable {
			trip.DestinationCode = cur.DestinationCode
		}
		t.events.Trips = append(t.events.Trips, trip)
		e.durations.ObserveTrip(trip, cur.KeyedDown || cur.WasKeyedDown)
	}

	cur.KeyedDown = false
	cur.WasKeyedDown = false
	cur.SecondsAtLastVisitedStation = ptr(int(t.now.Sub(prev.ObservedAt).Seconds()))
	cur.SecondsDelayed = 0
}

// checkExpressed flags a station left almost immediately by a train that was
// scheduled to serve it.
func (t *tick) checkExpressed(cur *rail.TrainStatus, departed time.Time) {
	station := cur.LastVisitedStationCode
	line, dest := cur.LineCodeAtLastVisitedStation, cur.DestinationCodeAtLastVisitedStation
	if line == "" || dest == "" || dest == station {
		return
	}
	secs := cur.SecondsAtLastVisitedStation
	if secs == nil || *secs > expressedMaxDwellSeconds {
		return
	}
	// A train first seen at the station may simply have been switched on there.
	if departed.Sub(cur.FirstObserved) < time.Minute {
		return
	}
	if _, ok := t.e.schedule.ExpectedFrequency(line, cur.DirectionNumberAtLastVisitedStation, station, departed); !ok {
		return
	}
	t.events.Expressed = append(t.events.Expressed, rail.ExpressedStation{
		At:               departed,
		TrainID:          cur.TrainID,
		TrainNumber:      cur.TrainNumber,
		LineCode:         line,
		DirectionNumber:  cur.DirectionNumberAtLastVisitedStation,
		StationCode:      station,
		DestinationCode:  dest,
		SecondsAtStation: *secs,
	})
}

// estimateTrackDelay stores how much longer than usual the last hop took on
// the platform circuit the train left from.
func (t *tick) estimateTrackDelay(cur *rail.TrainStatus, station string, departed time.Time) {
	e := t.e
	from := cur.LastVisitedStationCode
	median, ok := e.durations.MedianDuration(from, station)
	if !ok {
		return
	}
	platform, ok := e.net.StationCircuit(from, cur.TrackNumber)
	if !ok {
		return
	}
	expected := median + originDwellMinutes
	observed := t.now.Sub(departed).Minutes()
	if !e.terminalStations.Has(from) && cur.SecondsAtLastVisitedStation != nil {
		observed += float64(*cur.SecondsAtLastVisitedStation) / 60
	}
	extra := math.Max(math.Round((observed-expected)*60), 0)
	e.net.SetEstimatedDelay(platform.ID, int(extra))
}

// dwell accrues time spent at the same station. Holding anywhere other than a
// scheduled destination or a terminal counts against the schedule.
func (t *tick) dwell(cur *rail.TrainStatus, station string) {
	e := t.e
	added := int(t.now.Sub(*cur.LastVisitedStation).Seconds())
	total := added
	if cur.SecondsAtLastVisitedStation != nil {
		total += *cur.SecondsAtLastVisitedStation
	}
	cur.SecondsAtLastVisitedStation = ptr(total)

	_, atTerminal := e.terminalCircuits[cur.CircuitID]
	if !atTerminal && !e.schedule.IsScheduledDestination(cur.LineCode, station) && total > e.cfg.DwellOffScheduleSeconds {
		cur.SecondsOffSchedule += added
		return
	}
	cur.SecondsDelayed = 0
}

// accrueDelay compares the time since leaving the last station with the
// usual run to the next one. Any growth over the previous tick is also added
// to the off-schedule counter, which never decreases within a trip.
func (t *tick) accrueDelay(prev, cur *rail.TrainStatus) {
	e := t.e
	_, approachingTerminal := e.terminalCircuits[cur.CircuitID]
	approachingDestination := e.schedule.IsScheduledDestination(cur.LineCode, cur.LocationCode)

	leftDestination, leftTerminal := false, false
	if cur.LastVisitedStationCode != "" {
		leftDestination = e.schedule.IsScheduledDestination(cur.LineCode, cur.LastVisitedStationCode)
		if platform, ok := e.net.StationCircuit(cur.LastVisitedStationCode, cur.TrackNumber); ok {
			_, leftTerminal = e.terminalCircuits[platform.ID]
		}
	}

	cur.SecondsDelayed = 0
	if (!approachingDestination || approachingTerminal) && (!leftDestination || leftTerminal) && cur.LastVisitedStation != nil {
		if median, ok := e.durations.MedianDuration(cur.LastVisitedStationCode, cur.LocationCode); ok {
			expected := median - originDwellMinutes
			elapsed := t.now.Sub(*cur.LastVisitedStation).Minutes()
			cur.SecondsDelayed = int(math.Round(math.Max(elapsed-expected, 0) * 60))
		}
	}
	if grew := cur.SecondsDelayed - prev.SecondsDelayed; grew > 0 {
		cur.SecondsOffSchedule += grew
	}
}

// detectOffload notices a revenue train dropping its passengers short of its
// destination. It runs before the station visit is advanced.
func (t *tick) detectOffload(prev, cur *rail.TrainStatus) {
	e := t.e
	if t.now.Sub(prev.ObservedAt) > e.cfg.OffloadWindow {
		return
	}
	if prev.LineCode == rail.NotApplicable || prev.DestinationCode == "" ||
		prev.DestinationName == rail.NoPassenger || prev.DestinationName == rail.NotApplicable {
		return
	}
	if cur.DestinationName != rail.NoPassenger {
		return
	}
	nearest := prev.LastVisitedStationCode
	if nearest == "" {
		nearest = prev.PreviousStationCode
	}
	if prev.Status == rail.StatusBoarding {
		nearest = prev.LocationCode
	}
	if e.terminalStations.Has(cur.LastVisitedStationCode) || e.terminalStations.Has(cur.LocationCode) || prev.DestinationCode == nearest {
		return
	}
	t.events.Offloads = append(t.events.Offloads, rail.Offload{
		At:              t.now,
		TrainID:         prev.TrainID,
		TrainNumber:     prev.TrainNumber,
		LineCode:        prev.LineCode,
		DirectionNumber: prev.DirectionNumber,
		DestinationCode: prev.DestinationCode,
		StationCode:     nearest,
	})
	e.log.Info("train offloaded",
		"train_id", prev.TrainID,
		"line", prev.LineCode,
		"station", nearest,
	)
}
