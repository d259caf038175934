package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"metrorail-tracker/internal/rail"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trip_records (
  id BIGSERIAL PRIMARY KEY,
  train_id TEXT NOT NULL,
  train_number TEXT NOT NULL,
  trip_id TEXT NOT NULL,
  line_code TEXT,
  destination_code TEXT,
  cars INT,
  direction_number INT NOT NULL,
  departing_station TEXT NOT NULL,
  departing_at TIMESTAMPTZ NOT NULL,
  seconds_at_departing_station INT,
  arriving_station TEXT NOT NULL,
  arriving_track INT NOT NULL,
  arriving_at TIMESTAMPTZ NOT NULL,
  duration_minutes DOUBLE PRECISION NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS trip_records_arriving_at_idx ON trip_records (arriving_at)`,
	`CREATE TABLE IF NOT EXISTS offloads (
  id BIGSERIAL PRIMARY KEY,
  at TIMESTAMPTZ NOT NULL,
  train_id TEXT NOT NULL,
  train_number TEXT NOT NULL,
  line_code TEXT,
  direction_number INT NOT NULL,
  destination_code TEXT,
  station_code TEXT
)`,
	`CREATE TABLE IF NOT EXISTS disappearances (
  id BIGSERIAL PRIMARY KEY,
  at TIMESTAMPTZ NOT NULL,
  train_id TEXT NOT NULL,
  train_number TEXT NOT NULL,
  line_code TEXT,
  direction_number INT NOT NULL,
  circuit_id INT NOT NULL,
  location_code TEXT,
  previous_station_code TEXT,
  destination_code TEXT
)`,
	`CREATE TABLE IF NOT EXISTS duplicate_merges (
  id BIGSERIAL PRIMARY KEY,
  at TIMESTAMPTZ NOT NULL,
  train_number TEXT NOT NULL,
  kept_train_id TEXT NOT NULL,
  removed_train_id TEXT NOT NULL,
  line_code TEXT,
  destination_code TEXT,
  reattached BOOLEAN NOT NULL DEFAULT FALSE
)`,
	`CREATE TABLE IF NOT EXISTS departures (
  id BIGSERIAL PRIMARY KEY,
  at TIMESTAMPTZ NOT NULL,
  train_id TEXT NOT NULL,
  train_number TEXT NOT NULL,
  line_code TEXT,
  direction_number INT NOT NULL,
  station_code TEXT NOT NULL,
  destination_code TEXT,
  cars INT,
  minutes_since_previous DOUBLE PRECISION
)`,
	`CREATE INDEX IF NOT EXISTS departures_station_at_idx ON departures (station_code, at)`,
	`CREATE TABLE IF NOT EXISTS expressed_stations (
  id BIGSERIAL PRIMARY KEY,
  at TIMESTAMPTZ NOT NULL,
  train_id TEXT NOT NULL,
  train_number TEXT NOT NULL,
  line_code TEXT,
  direction_number INT NOT NULL,
  station_code TEXT NOT NULL,
  destination_code TEXT,
  seconds_at_station INT NOT NULL
)`,
}

// Migrate creates the event tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// WriteEvents inserts every event of one tick in a single transaction.
func (s *Store) WriteEvents(ctx context.Context, _ time.Time, ev *rail.Events) error {
	if ev == nil || ev.Len() == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, r := range ev.Trips {
		_, err := tx.ExecContext(ctx, `
INSERT INTO trip_records (train_id, train_number, trip_id, line_code, destination_code, cars,
  direction_number, departing_station, departing_at, seconds_at_departing_station,
  arriving_station, arriving_track, arriving_at, duration_minutes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			r.TrainID, r.TrainNumber, r.TripID, nullString(r.LineCode), nullString(r.DestinationCode), nullInt(r.Cars),
			r.DirectionNumber, r.DepartingStation, r.DepartingAt, nullInt(r.SecondsAtDepartingStation),
			r.ArrivingStation, r.ArrivingTrack, r.ArrivingAt, r.DurationMinutes)
		if err != nil {
			return fmt.Errorf("insert trip record: %w", err)
		}
	}
	for _, r := range ev.Offloads {
		_, err := tx.ExecContext(ctx, `
INSERT INTO offloads (at, train_id, train_number, line_code, direction_number, destination_code, station_code)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			r.At, r.TrainID, r.TrainNumber, nullString(r.LineCode), r.DirectionNumber, nullString(r.DestinationCode), nullString(r.StationCode))
		if err != nil {
			return fmt.Errorf("insert offload: %w", err)
		}
	}
	for _, r := range ev.Disappearances {
		_, err := tx.ExecContext(ctx, `
INSERT INTO disappearances (at, train_id, train_number, line_code, direction_number, circuit_id,
  location_code, previous_station_code, destination_code)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			r.At, r.TrainID, r.TrainNumber, nullString(r.LineCode), r.DirectionNumber, r.CircuitID,
			nullString(r.LocationCode), nullString(r.PreviousStationCode), nullString(r.DestinationCode))
		if err != nil {
			return fmt.Errorf("insert disappearance: %w", err)
		}
	}
	for _, r := range ev.Duplicates {
		_, err := tx.ExecContext(ctx, `
INSERT INTO duplicate_merges (at, train_number, kept_train_id, removed_train_id, line_code, destination_code, reattached)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			r.At, r.TrainNumber, r.KeptTrainID, r.RemovedTrainID, nullString(r.LineCode), nullString(r.DestinationCode), r.Reattached)
		if err != nil {
			return fmt.Errorf("insert duplicate merge: %w", err)
		}
	}
	for _, r := range ev.Departures {
		_, err := tx.ExecContext(ctx, `
INSERT INTO departures (at, train_id, train_number, line_code, direction_number, station_code,
  destination_code, cars, minutes_since_previous)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			r.At, r.TrainID, r.TrainNumber, nullString(r.LineCode), r.DirectionNumber, r.StationCode,
			nullString(r.DestinationCode), nullInt(r.Cars), nullFloat(r.MinutesSincePrevious))
		if err != nil {
			return fmt.Errorf("insert departure: %w", err)
		}
	}
	for _, r := range ev.Expressed {
		_, err := tx.ExecContext(ctx, `
INSERT INTO expressed_stations (at, train_id, train_number, line_code, direction_number, station_code,
  destination_code, seconds_at_station)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			r.At, r.TrainID, r.TrainNumber, nullString(r.LineCode), r.DirectionNumber, r.StationCode,
			nullString(r.DestinationCode), r.SecondsAtStation)
		if err != nil {
			return fmt.Errorf("insert expressed station: %w", err)
		}
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
