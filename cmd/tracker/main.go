package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metrorail-tracker/internal/cache"
	"metrorail-tracker/internal/config"
	"metrorail-tracker/internal/db"
	"metrorail-tracker/internal/duration"
	"metrorail-tracker/internal/feed"
	"metrorail-tracker/internal/graph"
	"metrorail-tracker/internal/gtfs"
	"metrorail-tracker/internal/logger"
	"metrorail-tracker/internal/metrics"
	"metrorail-tracker/internal/projector"
	"metrorail-tracker/internal/publisher"
	"metrorail-tracker/internal/reconcile"
	"metrorail-tracker/internal/schedule"
	"metrorail-tracker/internal/stations"
	"metrorail-tracker/internal/tracker"
)

func main() {
	dotPath := flag.String("dot", "", "write the circuit graph in DOT format to this file and exit")
	flag.Parse()

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Console: true}).Error("config error", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)
	th := cfg.Thresholds

	// Topology errors are fatal: there is no degraded mode without a graph.
	topo, stats, err := graph.LoadTopology(graph.TopologyFiles{
		Routes:    cfg.RoutesFile,
		Circuits:  cfg.CircuitsFile,
		Locations: cfg.LocationsFile,
	})
	if err != nil {
		fatal(log, "load topology", err)
	}
	if stats.SkippedCircuits > 0 {
		log.Warn("track circuit rows skipped", "count", stats.SkippedCircuits)
	}
	net, err := graph.Build(topo)
	if err != nil {
		fatal(log, "build graph", err)
	}
	net.SetWalkLimit(th.DistanceWalkLimit)
	log.Info("graph built", "circuits", net.Len(), "stations", len(net.StationCodes()), "routes", stats.Routes, "locations", stats.Locations)

	if *dotPath != "" {
		if err := writeDOT(net, *dotPath); err != nil {
			fatal(log, "write dot", err)
		}
		log.Info("graph written", "path", *dotPath)
		return
	}

	dir, err := stations.Load(cfg.StationsFile)
	if err != nil {
		fatal(log, "load stations", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store *db.Store
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			fatal(log, "db open", err)
		}
		if err := db.Ping(ctx, sqlDB); err != nil {
			fatal(log, "db ping", err)
		}
		store = db.NewStore(sqlDB, log)
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			fatal(log, "db migrate", err)
		}
		log.Info("database connected")
	}

	sched := schedule.NewService(scheduleSource(cfg, store, dir, log), cfg.Location)

	seed, err := loadSeed(cfg.SeedFile)
	if err != nil {
		fatal(log, "load duration seed", err)
	}
	model := duration.New(net, duration.Config{
		DefaultMinutes:        th.DefaultDurationMinutes,
		BoardingPenalty:       th.BoardingPenalty,
		OriginBoardingPenalty: th.OriginBoardingPenalty,
		RecentSamples:         th.RecentSamples,
		Lookback:              th.DurationLookback,
	}, seed)

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(th.TickInterval)
	}

	var rcache *cache.Cache
	var tags *cache.Tags
	if cfg.RedisURL != "" {
		rcache, err = cache.Open(ctx, cfg.RedisURL, cfg.NATSSubjectPrefix, 2*th.StaleAfter, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without cache", "error", err)
		} else {
			defer rcache.Close()
			tags = cache.NewTags(rcache.Client(), cfg.NATSSubjectPrefix)
			if err := tags.Sync(ctx); err != nil {
				log.Warn("load train tags", "error", err)
			}
		}
	}

	engineDeps := reconcile.Deps{Durations: model, Schedule: sched, Stations: dir, Logger: log.With("component", "reconcile")}
	if tags != nil {
		engineDeps.Tags = tags
	}
	engine := reconcile.New(net, engineDeps, reconcile.Config{
		MergeDistanceFeet:       th.MergeDistanceFeet,
		DwellOffScheduleSeconds: th.DwellOffScheduleSeconds,
		KeyedDownAfter:          th.KeyedDownAfter,
		MaxSpeedMPH:             th.MaxSpeedMPH,
	})
	if rcache != nil {
		trains, err := rcache.LoadTrains(ctx)
		if err != nil {
			log.Warn("restore cached trains", "error", err)
		} else if len(trains) > 0 {
			engine.Restore(trains)
			log.Info("restored cached trains", "count", len(trains))
		}
	}

	proj := projector.New(net, projector.Deps{Durations: model, Schedule: sched, Stations: dir, Logger: log.With("component", "projector")}, projector.Config{
		SuppressionFraction: th.SuppressionFraction,
		ScheduleWindow:      th.ScheduleWindow,
		DisplayHorizon:      th.DisplayHorizon,
	})

	deps := tracker.Deps{
		Feed:      feed.NewClient(cfg.FeedURL, cfg.APIKey, cfg.FeedTimeout),
		Engine:    engine,
		Projector: proj,
		Durations: model,
		Schedule:  sched,
		Logger:    log.With("component", "tracker"),
	}
	if store != nil {
		deps.Samples = store
		deps.Purger = store
	}
	if tags != nil {
		deps.Tags = tags
	}
	if mcol != nil {
		deps.Metrics = mcol
	}
	mgr := tracker.NewManager(deps, tracker.Config{
		TickInterval:    th.TickInterval,
		StaleAfter:      th.StaleAfter,
		RebuildInterval: th.RebuildInterval,
		RecordRetention: th.RecordRetention,
		EventRetention:  th.DurationLookback,
	})

	if store != nil {
		mgr.AddEventSink("postgres", store)
	}
	if cfg.NATSURL != "" {
		var pm publisher.PublisherMetrics
		if mcol != nil {
			pm = mcol
		}
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, pm, log.With("component", "nats"))
		if err != nil {
			log.Warn("nats unavailable, continuing without publishing", "error", err)
		} else {
			defer pub.Close()
			mgr.AddSnapshotSink("nats", pub)
			mgr.AddEventSink("nats", pub)
		}
	}
	if rcache != nil {
		mgr.AddSnapshotSink("redis", rcache)
	}

	if mcol != nil {
		srv := mcol.Serve(cfg.MetricsAddr, mgr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mgr.Start(ctx)
	log.Info("tracker started", "tick_interval", th.TickInterval, "feed", cfg.FeedURL)

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	log.Info("shutdown complete")
}

func fatal(log logger.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

func writeDOT(net *graph.Network, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := net.WriteDOT(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func loadSeed(path string) (map[string]float64, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return duration.LoadSeed(f)
}

// scheduleSource prefers the schedule file, then a GTFS feed imported into
// the database. Without either the schedule is empty.
func scheduleSource(cfg *config.Config, store *db.Store, dir *stations.Directory, log logger.Logger) schedule.Source {
	if cfg.ScheduleFile != "" {
		if _, err := os.Stat(cfg.ScheduleFile); err == nil {
			src, err := schedule.LoadFile(cfg.ScheduleFile)
			if err != nil {
				fatal(log, "load schedule", err)
			}
			log.Info("schedule from file", "path", cfg.ScheduleFile)
			return src
		}
	}
	if store != nil {
		log.Info("schedule from gtfs tables")
		return db.NewGTFSSchedule(store.DB(), gtfs.Mapper{Directory: dir}, log.With("component", "gtfs"))
	}
	log.Warn("no schedule source, scheduled departures disabled")
	return emptySchedule{}
}

type emptySchedule struct{}

func (emptySchedule) Departures(context.Context, time.Time) ([]schedule.Departure, error) {
	return nil, nil
}
