package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"metrorail-tracker/internal/duration"
	"metrorail-tracker/internal/logger"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Store persists diagnostic events and serves trip history back to the
// duration model.
type Store struct {
	db  *sql.DB
	log logger.Logger
}

func NewStore(db *sql.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{db: db, log: log}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// TripDurationSamples returns completed station-to-station runs that
// arrived at or after since, oldest first.
func (s *Store) TripDurationSamples(ctx context.Context, since time.Time) ([]duration.Sample, error) {
	q := `
SELECT departing_station, arriving_station, duration_minutes, arriving_at
FROM trip_records
WHERE arriving_at >= $1 AND duration_minutes > 0
ORDER BY arriving_at`
	rows, err := s.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("query trip samples: %w", err)
	}
	defer rows.Close()

	var out []duration.Sample
	for rows.Next() {
		var sm duration.Sample
		if err := rows.Scan(&sm.From, &sm.To, &sm.Minutes, &sm.ArrivedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Purge deletes events older than before from every event table.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, t := range []struct{ table, column string }{
		{"trip_records", "arriving_at"},
		{"offloads", "at"},
		{"disappearances", "at"},
		{"duplicate_merges", "at"},
		{"departures", "at"},
		{"expressed_stations", "at"},
	} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, t.table, t.column), before)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
