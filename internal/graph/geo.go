package graph

import (
	"fmt"
	"io"
	"math"
	"sort"
)

// Location returns the coordinates of a circuit when they are known.
func (n *Network) Location(id int) (Location, bool) {
	loc, ok := n.locations[id]
	return loc, ok
}

// Bearing returns the heading in degrees from one circuit toward the next one
// in a direction, or false when either end has no coordinates.
func (n *Network) Bearing(id, direction int) (float64, bool) {
	c, ok := n.circuits[id]
	if !ok {
		return 0, false
	}
	from, ok := n.locations[id]
	if !ok {
		return 0, false
	}
	for _, next := range c.neighbors(direction) {
		if to, ok := n.locations[next]; ok {
			return bearingDeg(from, to), true
		}
	}
	return 0, false
}

func bearingDeg(a, b Location) float64 {
	y := math.Sin((b.Lon-a.Lon)*math.Pi/180.0) * math.Cos(b.Lat*math.Pi/180.0)
	x := math.Cos(a.Lat*math.Pi/180.0)*math.Sin(b.Lat*math.Pi/180.0) - math.Sin(a.Lat*math.Pi/180.0)*math.Cos(b.Lat*math.Pi/180.0)*math.Cos((b.Lon-a.Lon)*math.Pi/180.0)
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// WriteDOT renders the graph in Graphviz format, child edges only.
func (n *Network) WriteDOT(w io.Writer) error {
	ids := make([]int, 0, len(n.circuits))
	for id := range n.circuits {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	if _, err := fmt.Fprintln(w, "digraph circuits {"); err != nil {
		return err
	}
	for _, id := range ids {
		c := n.circuits[id]
		label := fmt.Sprintf("%d", id)
		if c.StationCode != "" {
			label = fmt.Sprintf("%d\\n%s", id, c.StationCode)
		}
		if _, err := fmt.Fprintf(w, "  c%d [label=\"%s\"];\n", id, label); err != nil {
			return err
		}
	}
	for _, id := range ids {
		children := append([]int(nil), n.circuits[id].children...)
		sort.Ints(children)
		for _, ch := range children {
			if _, err := fmt.Fprintf(w, "  c%d -> c%d;\n", id, ch); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
