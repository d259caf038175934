package reconcile

import (
	"testing"
	"time"

	"metrorail-tracker/internal/rail"
)

type recordingTags struct {
	counts     map[string]map[string]int
	migrations [][2]string
}

func (r *recordingTags) TrainTagCounts(id string) map[string]int { return r.counts[id] }

func (r *recordingTags) MigrateTrainTags(from, to string) {
	r.migrations = append(r.migrations, [2]string{from, to})
}

func twin(id string, circuit int) rail.Observation {
	o := observe(id, circuit, 1, "RD", "D01")
	o.TrainNumber = "101"
	return o
}

func TestDuplicateMergeKeepsTrainNearerDestination(t *testing.T) {
	orders := map[string][]rail.Observation{
		"A first": {twin("A", 15), twin("B", 16)},
		"B first": {twin("B", 16), twin("A", 15)},
	}
	for name, second := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, defaultSeed)
			tags := &recordingTags{counts: map[string]map[string]int{"A": {"crowded": 2}}}
			f.engine.tags = tags

			first := f.engine.Tick(t0, []rail.Observation{twin("A", 14)}, nil)
			tripA := first.Trains["A"].TripID

			res := f.engine.Tick(t0.Add(10*time.Second), second, nil)
			if len(res.Trains) != 1 || res.Trains["B"] == nil {
				t.Fatalf("trains = %v", res.Trains)
			}
			if len(res.Events.Duplicates) != 1 {
				t.Fatalf("duplicates = %+v", res.Events.Duplicates)
			}
			dup := res.Events.Duplicates[0]
			if dup.KeptTrainID != "B" || dup.RemovedTrainID != "A" || dup.Reattached {
				t.Errorf("merge = %+v", dup)
			}
			kept := res.Trains["B"]
			if kept.TripID != tripA {
				t.Error("kept train should inherit the trip of the train it absorbed")
			}
			if kept.TagCounts["crowded"] != 2 {
				t.Errorf("tags = %v", kept.TagCounts)
			}
			if len(tags.migrations) != 1 || tags.migrations[0] != [2]string{"A", "B"} {
				t.Errorf("migrations = %v", tags.migrations)
			}
			if f.engine.MergedCount() != 1 {
				t.Errorf("merged = %d", f.engine.MergedCount())
			}

			// The absorbed id keeps reporting and stays folded.
			res = f.engine.Tick(t0.Add(20*time.Second), []rail.Observation{twin("A", 15), twin("B", 16)}, nil)
			if _, ok := res.Trains["A"]; ok || len(res.Events.Duplicates) != 0 {
				t.Errorf("folded id resurfaced: %v %+v", res.Trains, res.Events.Duplicates)
			}
		})
	}
}

func TestMergedTrainReattachesWhenKeptVanishes(t *testing.T) {
	f := newFixture(t, defaultSeed)
	first := f.engine.Tick(t0, []rail.Observation{twin("A", 14)}, nil)
	tripA := first.Trains["A"].TripID
	f.engine.Tick(t0.Add(10*time.Second), []rail.Observation{twin("A", 15), twin("B", 16)}, nil)

	res := f.engine.Tick(t0.Add(20*time.Second), []rail.Observation{twin("A", 16)}, nil)
	a := res.Trains["A"]
	if a == nil || len(res.Trains) != 1 {
		t.Fatalf("trains = %v", res.Trains)
	}
	if a.TripID != tripA {
		t.Error("reattached train should get its trip back")
	}
	var reattached bool
	for _, d := range res.Events.Duplicates {
		if d.Reattached && d.KeptTrainID == "A" && d.RemovedTrainID == "B" {
			reattached = true
		}
	}
	if !reattached {
		t.Errorf("duplicates = %+v", res.Events.Duplicates)
	}
	if f.engine.MergedCount() != 0 {
		t.Errorf("merged = %d, want 0", f.engine.MergedCount())
	}
}

func TestNoMergeAcrossTracksOrNumbers(t *testing.T) {
	f := newFixture(t, defaultSeed)
	f.engine.Tick(t0, []rail.Observation{twin("A", 15)}, nil)

	other := twin("C", 16)
	other.TrainNumber = "202"
	opposite := observe("D", 115, 2, "RD", "A01")
	opposite.TrainNumber = "101"
	res := f.engine.Tick(t0.Add(5*time.Second), []rail.Observation{twin("A", 15), other, opposite}, nil)
	if len(res.Trains) != 3 || len(res.Events.Duplicates) != 0 {
		t.Errorf("trains %d, duplicates %+v", len(res.Trains), res.Events.Duplicates)
	}
}
