package graph

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const routesJSON = `{"StandardRoutes":[
 {"LineCode":"RD","TrackNum":1,"TrackCircuits":[
  {"SeqNum":2,"CircuitId":2,"StationCode":null},
  {"SeqNum":1,"CircuitId":1,"StationCode":"A01"},
  {"SeqNum":3,"CircuitId":3,"StationCode":"B01"}]},
 {"LineCode":"RD","TrackNum":2,"TrackCircuits":[
  {"SeqNum":1,"CircuitId":101,"StationCode":"A01"},
  {"SeqNum":2,"CircuitId":102,"StationCode":"B01"}]}
]}`

const circuitsCSV = `api_id,track_id,c2,c3,c4,c5,c6,c7,c8,c9,length,c11
1,T1,,,,,,,,,400,
2,T2,,,,,,,,,450.5,
3,T3,,,,,,,,,,
short,row
,T9,,,,,,,,,100,
101,T101,,,,,,,,,300,
`

func TestLoadStandardRoutes(t *testing.T) {
	routes, err := LoadStandardRoutes(strings.NewReader(routesJSON))
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(routes))
	}
	if routes[0].Circuits[1].StationCode != "A01" {
		t.Errorf("station code = %q", routes[0].Circuits[1].StationCode)
	}

	_, err = LoadStandardRoutes(strings.NewReader(`{"StandardRoutes":[]}`))
	if !errors.Is(err, ErrMalformedTopology) {
		t.Errorf("empty routes err = %v", err)
	}
	_, err = LoadStandardRoutes(strings.NewReader(`{`))
	if !errors.Is(err, ErrMalformedTopology) {
		t.Errorf("bad json err = %v", err)
	}
}

func TestLoadCircuitInfoSkipsUnusableRows(t *testing.T) {
	info, skipped, err := LoadCircuitInfo(strings.NewReader(circuitsCSV))
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
	if got := info[2]; got.TrackID != "T2" || got.Length != 450.5 {
		t.Errorf("info[2] = %+v", got)
	}
	if _, ok := info[3]; ok {
		t.Error("row without length was kept")
	}
}

func TestLoadTopologyBuildsSortedRoutes(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	files := TopologyFiles{
		Routes:    write("routes.json", routesJSON),
		Circuits:  write("circuits.csv", circuitsCSV),
		Locations: write("locations.csv", "circuit_id,lat,lon\n1,38.9,-77.0\n2,38.9,-76.99\n"),
	}
	topo, stats, err := LoadTopology(files)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Routes != 2 || stats.Locations != 2 || stats.SkippedCircuits != 3 {
		t.Errorf("stats = %+v", stats)
	}

	n, err := Build(topo)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := n.Circuit(1)
	if len(c.Children()) != 1 || c.Children()[0] != 2 {
		t.Errorf("children of 1 = %v, want [2]", c.Children())
	}
	if d, ok := n.MinPhysicalDistance(1, 3); !ok || d != 850.5 {
		t.Errorf("distance 1->3 = %v, %v", d, ok)
	}
}

func TestLoadTopologyMissingFile(t *testing.T) {
	_, _, err := LoadTopology(TopologyFiles{Routes: filepath.Join(t.TempDir(), "nope.json")})
	if err == nil {
		t.Fatal("expected error for missing routes file")
	}
}
