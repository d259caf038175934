package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metrorail-tracker/internal/logger"
)

type Collector struct {
	reg *prometheus.Registry

	LiveTrains      prometheus.Gauge
	StationBoards   prometheus.Gauge
	MergedTrains    prometheus.Gauge
	Stale           prometheus.Gauge
	ObservationsRaw prometheus.Counter
	Skipped         prometheus.Counter

	Events     *prometheus.CounterVec // kind label: trip|offload|disappearance|duplicate|departure|expressed
	FeedErrors *prometheus.CounterVec // reason label: fetch|duplicate
	SinkErrors *prometheus.CounterVec // sink label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram
	RebuildDuration prometheus.Histogram
	DurationSamples prometheus.Gauge

	TickInterval prometheus.Gauge // seconds
}

func NewCollector(tickInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		LiveTrains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_live_trains",
			Help: "Trains in the latest published snapshot.",
		}),
		StationBoards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_station_boards",
			Help: "Station keys with at least one entry.",
		}),
		MergedTrains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_merged_train_ids",
			Help: "Sensor ids currently folded into another train.",
		}),
		Stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_stale",
			Help: "1 if the last successful tick is older than the staleness threshold.",
		}),
		ObservationsRaw: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_observations_total",
			Help: "Raw position observations received.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_observations_skipped_total",
			Help: "Observations skipped as malformed or ghost reports.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_events_total",
			Help: "Diagnostic events produced by reconciliation.",
		}, []string{"kind"}),
		FeedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_feed_errors_total",
			Help: "Ticks that kept the previous snapshot because the feed failed.",
		}, []string{"reason"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_sink_errors_total",
			Help: "Failed writes to external sinks.",
		}, []string{"sink"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_tick_duration_seconds",
			Help:    "Duration of fetch, reconcile and project for one tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_duration_rebuild_seconds",
			Help:    "Duration of station-to-station duration rebuilds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		DurationSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_duration_samples",
			Help: "Trip samples behind the current duration snapshot.",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tick_interval_seconds",
			Help: "Configured delay between ticks in seconds.",
		}),
	}

	reg.MustRegister(
		c.LiveTrains, c.StationBoards, c.MergedTrains, c.Stale,
		c.ObservationsRaw, c.Skipped, c.Events, c.FeedErrors, c.SinkErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.PublishDuration, c.RebuildDuration, c.DurationSamples,
		c.TickInterval,
	)
	c.TickInterval.Set(tickInterval.Seconds())
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// The methods below adapt the collector to the narrow interfaces of the
// tracker and publisher packages.

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) TickObserve(d time.Duration)    { c.TickDuration.Observe(d.Seconds()) }
func (c *Collector) RebuildObserve(d time.Duration) { c.RebuildDuration.Observe(d.Seconds()) }
func (c *Collector) FeedError(reason string)        { c.FeedErrors.WithLabelValues(reason).Inc() }
func (c *Collector) SinkError(sink string)          { c.SinkErrors.WithLabelValues(sink).Inc() }
func (c *Collector) EventsAdd(kind string, n int)   { c.Events.WithLabelValues(kind).Add(float64(n)) }

// TickSummary records the sizes of one published tick.
func (c *Collector) TickSummary(trains, boards, merged, observations, skipped int) {
	c.LiveTrains.Set(float64(trains))
	c.StationBoards.Set(float64(boards))
	c.MergedTrains.Set(float64(merged))
	c.ObservationsRaw.Add(float64(observations))
	c.Skipped.Add(float64(skipped))
}

func (c *Collector) SetDurationSamples(n int) { c.DurationSamples.Set(float64(n)) }

func (c *Collector) SetStale(stale bool) {
	if stale {
		c.Stale.Set(1)
	} else {
		c.Stale.Set(0)
	}
}

// Health reports whether the tracker is serving fresh data.
type Health interface {
	IsStale() bool
	LastUpdated() time.Time
}

// Router exposes /metrics and /healthz. /healthz answers 503 while stale.
func (c *Collector) Router(h Health) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", c.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		stale := h.IsStale()
		w.Header().Set("Content-Type", "application/json")
		if stale {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"stale":       stale,
			"lastUpdated": h.LastUpdated(),
		})
	})
	return r
}

// Serve starts the ops HTTP server on the given address.
func (c *Collector) Serve(addr string, h Health, log logger.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: c.Router(h), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}
