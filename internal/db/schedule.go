package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"metrorail-tracker/internal/gtfs"
	"metrorail-tracker/internal/logger"
	"metrorail-tracker/internal/schedule"
)

// GTFSSchedule reads departures from a GTFS static feed imported into
// PostgreSQL (calendar, calendar_dates, trips, routes, stop_times, stops).
type GTFSSchedule struct {
	db     *sql.DB
	mapper gtfs.Mapper
	log    logger.Logger
}

func NewGTFSSchedule(db *sql.DB, mapper gtfs.Mapper, log logger.Logger) *GTFSSchedule {
	if log == nil {
		log = logger.Nop()
	}
	return &GTFSSchedule{db: db, mapper: mapper, log: log}
}

// Departures returns every stop of every trip running on day, except each
// trip's final stop. day is local midnight.
func (g *GTFSSchedule) Departures(ctx context.Context, day time.Time) ([]schedule.Departure, error) {
	serviceIDs, err := fetchActiveServiceIDs(ctx, g.db, day)
	if err != nil {
		return nil, err
	}
	if len(serviceIDs) == 0 {
		return nil, nil
	}
	trips, err := fetchTrips(ctx, g.db, serviceIDs)
	if err != nil {
		return nil, err
	}

	var out []schedule.Departure
	skipped := 0
	for _, t := range trips {
		deps, ok := tripDepartures(g.mapper, t, day)
		if !ok {
			skipped++
			continue
		}
		out = append(out, deps...)
	}
	if skipped > 0 {
		g.log.Warn("gtfs trips without a known line or destination skipped", "count", skipped)
	}
	return out, nil
}

func tripDepartures(m gtfs.Mapper, t gtfs.Trip, day time.Time) ([]schedule.Departure, bool) {
	line, ok := m.Line(t)
	if !ok {
		return nil, false
	}
	dest, ok := m.Destination(t)
	if !ok {
		return nil, false
	}
	dir := gtfs.DirectionNumber(t.DirectionID)
	out := make([]schedule.Departure, 0, len(t.Stops))
	for _, st := range t.Stops[:len(t.Stops)-1] {
		station, ok := m.Station(st)
		if !ok || station == dest {
			continue
		}
		out = append(out, schedule.Departure{
			StationCode:     station,
			LineCode:        line,
			DirectionNumber: dir,
			DestinationCode: dest,
			At:              day.Add(time.Duration(st.DepartureSec) * time.Second),
		})
	}
	return out, true
}

func fetchTrips(ctx context.Context, db *sql.DB, serviceIDs []string) ([]gtfs.Trip, error) {
	q := `
SELECT t.trip_id,
       t.route_id,
       COALESCE(NULLIF(r.route_short_name, ''), r.route_long_name, r.route_id),
       COALESCE(t.direction_id::int, 0),
       st.stop_sequence,
       COALESCE(st.departure_time::text, st.arrival_time::text, ''),
       st.stop_id,
       COALESCE(s.parent_station, '')
FROM trips t
JOIN routes r ON r.route_id = t.route_id
JOIN stop_times st ON st.trip_id = t.trip_id
JOIN stops s ON s.stop_id = st.stop_id
WHERE t.service_id = ANY($1)
ORDER BY t.trip_id, st.stop_sequence`
	rows, err := db.QueryContext(ctx, q, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var trips []gtfs.Trip
	for rows.Next() {
		var st gtfs.StopTime
		var dep string
		if err := rows.Scan(&st.TripID, &st.RouteID, &st.RouteName, &st.DirectionID, &st.StopSequence, &dep, &st.StopID, &st.ParentID); err != nil {
			return nil, err
		}
		st.DepartureSec = parseDaySeconds(dep)
		if n := len(trips); n == 0 || trips[n-1].TripID != st.TripID {
			trips = append(trips, gtfs.Trip{TripID: st.TripID, RouteID: st.RouteID, RouteName: st.RouteName, DirectionID: st.DirectionID})
		}
		last := &trips[len(trips)-1]
		last.Stops = append(last.Stops, st)
	}
	return trips, rows.Err()
}

func fetchActiveServiceIDs(ctx context.Context, db *sql.DB, day time.Time) ([]string, error) {
	date := day.Format("2006-01-02")
	dow := int(day.Weekday()) // 0=Sunday

	// calendar has booleans (0/1). calendar_dates has exception_type (1 add, 2 remove)
	q := `
WITH base AS (
  SELECT service_id
  FROM calendar
  WHERE start_date <= $1::date AND end_date >= $1::date
    AND (
      ($2 = 0 AND (sunday::text IN ('1','t','true','available'))) OR
      ($2 = 1 AND (monday::text IN ('1','t','true','available'))) OR
      ($2 = 2 AND (tuesday::text IN ('1','t','true','available'))) OR
      ($2 = 3 AND (wednesday::text IN ('1','t','true','available'))) OR
      ($2 = 4 AND (thursday::text IN ('1','t','true','available'))) OR
      ($2 = 5 AND (friday::text IN ('1','t','true','available'))) OR
      ($2 = 6 AND (saturday::text IN ('1','t','true','available')))
    )
), add_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('1','added'))
), rm_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('2','removed'))
)
SELECT DISTINCT service_id FROM (
  SELECT service_id FROM base
  UNION
  SELECT service_id FROM add_exc
) merged
WHERE service_id NOT IN (SELECT service_id FROM rm_exc)
`
	rows, err := db.QueryContext(ctx, q, date, dow)
	if err != nil {
		return nil, fmt.Errorf("query active services: %w", err)
	}
	defer rows.Close()
	var svc []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		svc = append(svc, s)
	}
	return svc, rows.Err()
}

// parseDaySeconds parses HH:MM:SS possibly with hours >= 24.
func parseDaySeconds(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec := 0
	if len(parts) > 2 {
		sec, _ = strconv.Atoi(parts[2])
	}
	total := h*3600 + m*60 + sec
	if total < 0 {
		total = 0
	}
	return total
}
