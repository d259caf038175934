// Package graphtest provides a small two-track network shared by tests.
//
// Track 1 runs A01 -> B01 -> C01 -> D01 with a branch after B01 toward E01.
// Track 2 is laid out in the same geographic order and is traversed toward
// parents. Circuits 11 and 12 alias one physical segment, and 19, 20 and 21
// form a turnback loop past the D01 terminal.
//
//	track 1: 10(A01) 11 12 13(B01) 14 15 16(C01) 17 18(D01) 19 20 21 19
//	                               \-30 31(E01) 32
//	track 2: 109 110(A01) 111 112 113(B01) 114 115 116(C01) 117 118(D01) 119
package graphtest

import (
	"fmt"
	"strconv"

	"metrorail-tracker/internal/graph"
)

// SegmentFeet is the length of every circuit except the aliased pair.
const SegmentFeet = 500

func route(line string, track int, ids []int, stations map[int]string) graph.Route {
	r := graph.Route{LineCode: line, TrackNum: track}
	for i, id := range ids {
		r.Circuits = append(r.Circuits, graph.RouteCircuit{SeqNum: i + 1, CircuitID: id, StationCode: stations[id]})
	}
	return r
}

// Topology returns the raw fixture input.
func Topology() graph.Topology {
	stations := map[int]string{
		10: "A01", 13: "B01", 16: "C01", 18: "D01", 31: "E01",
		110: "A01", 113: "B01", 116: "C01", 118: "D01",
	}
	routes := []graph.Route{
		route("RD", 1, []int{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, stations),
		route("RD", 1, []int{19, 20, 21, 19}, stations),
		route("BL", 1, []int{10, 11, 12, 13, 14, 30, 31, 32}, stations),
		route("RD", 2, []int{109, 110, 111, 112, 113, 114, 115, 116, 117, 118, 119}, stations),
		route("YLRP", 1, []int{900, 901}, nil),
	}

	info := make(map[int]graph.CircuitInfo)
	for _, r := range routes {
		for _, c := range r.Circuits {
			info[c.CircuitID] = graph.CircuitInfo{TrackID: "T" + strconv.Itoa(c.CircuitID), Length: SegmentFeet}
		}
	}
	info[11] = graph.CircuitInfo{TrackID: "T11", Length: SegmentFeet}
	info[12] = graph.CircuitInfo{TrackID: "T11", Length: SegmentFeet}

	locations := map[int]graph.Location{
		10: {Lat: 38.90, Lon: -77.00},
		11: {Lat: 38.90, Lon: -76.99},
	}
	return graph.Topology{Routes: routes, Info: info, Locations: locations}
}

// Network builds the fixture graph and panics if it is malformed.
func Network() *graph.Network {
	n, err := graph.Build(Topology())
	if err != nil {
		panic(fmt.Sprintf("graphtest: %v", err))
	}
	return n
}
