package duration

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"metrorail-tracker/internal/rail"
)

// LoadSeed reads from,to,minutes rows of default adjacent durations. Both
// orderings of every pair are seeded.
func LoadSeed(r io.Reader) (map[string]float64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true

	out := make(map[string]float64)
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read seed line %d: %w", line, err)
		}
		minutes, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("seed line %d: bad minutes %q", line, row[2])
		}
		from, to := strings.TrimSpace(row[0]), strings.TrimSpace(row[1])
		if from == "" || to == "" {
			return nil, fmt.Errorf("seed line %d: empty station code", line)
		}
		out[rail.StationKey(from, to)] = minutes
		if _, ok := out[rail.StationKey(to, from)]; !ok {
			out[rail.StationKey(to, from)] = minutes
		}
	}
	return out, nil
}
