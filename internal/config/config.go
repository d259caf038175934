package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"metrorail-tracker/internal/logger"
)

type Config struct {
	DatabaseURL       string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	RedisURL          string
	MetricsAddr       string
	Location          *time.Location

	FeedURL     string
	APIKey      string
	FeedTimeout time.Duration

	RoutesFile    string
	CircuitsFile  string
	LocationsFile string
	ScheduleFile  string
	StationsFile  string
	SeedFile      string

	Log        logger.Config
	Thresholds Thresholds
}

// Thresholds are the tuned constants of tracking, each overridable from the
// environment.
type Thresholds struct {
	TickInterval            time.Duration
	StaleAfter              time.Duration
	RebuildInterval         time.Duration
	RecordRetention         time.Duration
	MergeDistanceFeet       float64
	SuppressionFraction     float64
	ScheduleWindow          time.Duration
	DisplayHorizon          time.Duration
	DwellOffScheduleSeconds int
	KeyedDownAfter          time.Duration
	MaxSpeedMPH             int
	BoardingPenalty         float64
	OriginBoardingPenalty   float64
	DefaultDurationMinutes  float64
	DurationLookback        time.Duration
	RecentSamples           int
	DistanceWalkLimit       int
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars.
	// An empty URL disables event persistence.
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn

	// Empty NATS_URL or REDIS_URL disables that sink.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "metrorail")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))
	cfg.RedisURL = os.Getenv("REDIS_URL")

	// Metrics listen address (e.g., ":9102"). Empty disables the ops server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.FeedURL = getenvDefault("FEED_URL", "https://api.wmata.com/TrainPositions/TrainPositions?contentType=json")
	cfg.APIKey = firstNonEmpty(os.Getenv("WMATA_API_KEY"), os.Getenv("API_KEY"))
	if cfg.APIKey == "" {
		return nil, errors.New("WMATA_API_KEY must be set")
	}
	feedTimeout, err := positiveInt("FEED_TIMEOUT_SEC", 10)
	if err != nil {
		return nil, err
	}
	cfg.FeedTimeout = time.Duration(feedTimeout) * time.Second

	cfg.RoutesFile = getenvDefault("TOPOLOGY_ROUTES_FILE", "data/standard_routes.json")
	cfg.CircuitsFile = getenvDefault("TOPOLOGY_CIRCUITS_FILE", "data/track_circuits.csv")
	cfg.LocationsFile = os.Getenv("TOPOLOGY_LOCATIONS_FILE")
	cfg.ScheduleFile = getenvDefault("SCHEDULE_FILE", "data/schedule.json")
	cfg.StationsFile = getenvDefault("STATIONS_FILE", "data/stations.csv")
	cfg.SeedFile = os.Getenv("DURATION_SEED_FILE")

	cfg.Log = logger.Config{
		Level:      getenvDefault("LOG_LEVEL", "info"),
		Console:    !parseBool(os.Getenv("LOG_JSON")),
		FilePath:   os.Getenv("LOG_FILE"),
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
	}

	// Time zone of the published schedule
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	th, err := loadThresholds()
	if err != nil {
		return nil, err
	}
	cfg.Thresholds = th
	return cfg, nil
}

func loadThresholds() (Thresholds, error) {
	var th Thresholds

	ms, err := positiveInt("TICK_INTERVAL_MS", 2000)
	if err != nil {
		return th, err
	}
	th.TickInterval = time.Duration(ms) * time.Millisecond

	ints := []struct {
		key string
		def int
		set func(int)
	}{
		{"STALE_AFTER_SEC", 30, func(v int) { th.StaleAfter = time.Duration(v) * time.Second }},
		{"DURATION_REBUILD_INTERVAL_SEC", 300, func(v int) { th.RebuildInterval = time.Duration(v) * time.Second }},
		{"RECORD_RETENTION_MIN", 60, func(v int) { th.RecordRetention = time.Duration(v) * time.Minute }},
		{"SCHEDULE_WINDOW_MIN", 60, func(v int) { th.ScheduleWindow = time.Duration(v) * time.Minute }},
		{"DISPLAY_HORIZON_MIN", 60, func(v int) { th.DisplayHorizon = time.Duration(v) * time.Minute }},
		{"DWELL_OFF_SCHEDULE_SEC", 75, func(v int) { th.DwellOffScheduleSeconds = v }},
		{"KEYED_DOWN_AFTER_MIN", 30, func(v int) { th.KeyedDownAfter = time.Duration(v) * time.Minute }},
		{"MAX_SPEED_MPH", 75, func(v int) { th.MaxSpeedMPH = v }},
		{"DURATION_LOOKBACK_DAYS", 14, func(v int) { th.DurationLookback = time.Duration(v) * 24 * time.Hour }},
		{"RECENT_SAMPLE_COUNT", 10, func(v int) { th.RecentSamples = v }},
		{"DISTANCE_WALK_LIMIT", 20000, func(v int) { th.DistanceWalkLimit = v }},
	}
	for _, f := range ints {
		v, err := positiveInt(f.key, f.def)
		if err != nil {
			return th, err
		}
		f.set(v)
	}

	floats := []struct {
		key string
		def float64
		dst *float64
	}{
		{"DUPLICATE_MERGE_DISTANCE_FT", 1800, &th.MergeDistanceFeet},
		{"BOARDING_PENALTY_MIN", 1.0, &th.BoardingPenalty},
		{"ORIGIN_BOARDING_PENALTY_MIN", 0.5, &th.OriginBoardingPenalty},
		{"DEFAULT_DURATION_MIN", 999, &th.DefaultDurationMinutes},
	}
	for _, f := range floats {
		v, err := positiveFloat(f.key, f.def)
		if err != nil {
			return th, err
		}
		*f.dst = v
	}

	// Suppression fraction must stay within the gap between departures.
	frac, err := positiveFloat("SCHEDULE_SUPPRESSION_FRACTION", 0.5)
	if err != nil {
		return th, err
	}
	if frac > 1 {
		return th, fmt.Errorf("invalid SCHEDULE_SUPPRESSION_FRACTION: %v", frac)
	}
	th.SuppressionFraction = frac
	return th, nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
