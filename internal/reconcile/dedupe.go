package reconcile

import (
	"metrorail-tracker/internal/rail"
)

// reconcileVanished handles trains reported last tick but not this one. A
// located revenue train going missing is recorded; a kept train going missing
// while the id merged into it is still reported hands its state back.
func (t *tick) reconcileVanished() {
	e := t.e
	for _, id := range sortedIDs(e.prev) {
		if _, ok := t.trains[id]; ok {
			continue
		}
		prev := e.prev[id]
		if t.disappeared(prev) {
			t.events.Disappearances = append(t.events.Disappearances, rail.Disappearance{
				At:                  t.now,
				TrainID:             prev.TrainID,
				TrainNumber:         prev.TrainNumber,
				LineCode:            prev.LineCode,
				DirectionNumber:     prev.DirectionNumber,
				CircuitID:           prev.CircuitID,
				LocationCode:        prev.LocationCode,
				PreviousStationCode: prev.PreviousStationCode,
				DestinationCode:     prev.DestinationCode,
			})
		}

		removedID, ok := e.merged.Inverse(id)
		if !ok {
			continue
		}
		revived, ok := t.trains[removedID]
		if !ok {
			continue
		}
		t.events.Duplicates = append(t.events.Duplicates, rail.DuplicateMerge{
			At:              t.now,
			TrainNumber:     revived.TrainNumber,
			KeptTrainID:     removedID,
			RemovedTrainID:  id,
			LineCode:        revived.LineCode,
			DestinationCode: revived.OriginalDestinationCode,
			Reattached:      true,
		})
		migrateState(prev, revived)
		e.tags.MigrateTrainTags(id, removedID)
		e.merged.Remove(removedID)
		e.merged.ForcePut(id, removedID)
		e.log.Info("reattached merged train", "kept", removedID, "removed", id, "train_number", revived.TrainNumber)
	}
}

func (t *tick) disappeared(prev *rail.TrainStatus) bool {
	if prev.PreviousStationCode == "" || prev.LocationCode == "" || prev.DestinationCode == "" {
		return false
	}
	if prev.NotOnRevenueTrack || prev.LineCode == rail.NotApplicable {
		return false
	}
	_, atTerminal := t.e.terminalCircuits[prev.CircuitID]
	return !atTerminal
}

// mergeDuplicates folds pairs of ids that report the same train number close
// together into the one nearer its declared destination. Only ids that are
// new this tick or were merged before start a comparison, and ids are visited
// in sorted order so the outcome does not depend on map iteration.
func (t *tick) mergeDuplicates() {
	e := t.e
	ids := sortedIDs(t.trains)
	for _, id := range ids {
		train := t.trains[id]
		if _, seen := e.prev[id]; seen && !e.merged.Has(id) {
			continue
		}
		for _, otherID := range ids {
			if otherID == id {
				continue
			}
			if kept, ok := e.merged.Get(id); ok && kept == otherID {
				continue
			}
			if _, seen := e.prev[otherID]; !seen {
				continue
			}
			other := t.trains[otherID]
			if train.TrainNumber == "" || train.TrainNumber != other.TrainNumber {
				continue
			}
			feet, ok := e.net.MinPhysicalDistance(train.CircuitID, other.CircuitID)
			if !ok || feet > e.cfg.MergeDistanceFeet {
				continue
			}
			d1, ok1 := e.net.DistanceToStation(train.CircuitID, train.OriginalDestinationCode)
			d2, ok2 := e.net.DistanceToStation(other.CircuitID, other.OriginalDestinationCode)
			if !ok1 || !ok2 || d1 == d2 {
				continue
			}

			kept, removed := train, other
			if d2 < d1 {
				kept, removed = other, train
			}
			t.events.Duplicates = append(t.events.Duplicates, rail.DuplicateMerge{
				At:              t.now,
				TrainNumber:     kept.TrainNumber,
				KeptTrainID:     kept.TrainID,
				RemovedTrainID:  removed.TrainID,
				LineCode:        kept.LineCode,
				DestinationCode: kept.OriginalDestinationCode,
			})
			if removed == other {
				migrateState(removed, kept)
				e.tags.MigrateTrainTags(removed.TrainID, kept.TrainID)
			}
			e.merged.Remove(kept.TrainID)
			e.merged.ForcePut(removed.TrainID, kept.TrainID)
			e.log.Info("merged duplicate train", "kept", kept.TrainID, "removed", removed.TrainID, "train_number", kept.TrainNumber)
		}
	}

	for _, removed := range e.merged.Keys() {
		if _, ok := t.trains[removed]; ok {
			delete(t.trains, removed)
			continue
		}
		e.merged.Remove(removed)
	}
}

// migrateState moves trip state from a folded id into the surviving one.
// from is only read.
func migrateState(from, to *rail.TrainStatus) {
	to.SecondsOffSchedule = from.SecondsOffSchedule
	if to.SecondsDelayed == 0 {
		to.SecondsDelayed = from.SecondsDelayed
	}
	if to.LastVisitedStation == nil {
		to.LastVisitedStation = from.LastVisitedStation
	}
	if to.LastVisitedStationCode == "" {
		to.LastVisitedStationCode = from.LastVisitedStationCode
	}
	if to.SecondsAtLastVisitedStation == nil {
		to.SecondsAtLastVisitedStation = from.SecondsAtLastVisitedStation
	}
	if to.TrackNumberAtLastVisitedStation == 0 {
		to.TrackNumberAtLastVisitedStation = from.TrackNumberAtLastVisitedStation
	}
	if to.DirectionNumberAtLastVisitedStation == 0 {
		to.DirectionNumberAtLastVisitedStation = from.DirectionNumberAtLastVisitedStation
	}
	if to.LineCodeAtLastVisitedStation == "" {
		to.LineCodeAtLastVisitedStation = from.LineCodeAtLastVisitedStation
	}
	if to.DestinationCodeAtLastVisitedStation == "" {
		to.DestinationCodeAtLastVisitedStation = from.DestinationCodeAtLastVisitedStation
	}
	to.TripID = from.TripID

	if len(from.TagCounts) > 0 {
		tags := make(map[string]int, len(from.TagCounts)+len(to.TagCounts))
		for k, v := range to.TagCounts {
			tags[k] = v
		}
		for k, v := range from.TagCounts {
			tags[k] += v
		}
		to.TagCounts = tags
	}
}
