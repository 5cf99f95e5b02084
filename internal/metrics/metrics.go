package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"nearest-departures/internal/pipeline"
)

type Collector struct {
	reg *prometheus.Registry

	RunsStarted  prometheus.Counter
	RunsFinished *prometheus.CounterVec // outcome label: done|superseded|<error kind>
	Departures   prometheus.Gauge

	StageDuration *prometheus.HistogramVec // stage label
	StageErrors   *prometheus.CounterVec   // stage label

	LookupRequests *prometheus.CounterVec // endpoint, result labels
	LookupDuration *prometheus.HistogramVec

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	JournalWrites *prometheus.CounterVec // result label: ok|error

	MaxDepartures   prometheus.Gauge
	WindowMinutes   prometheus.Gauge
	LookupTimeout   prometheus.Gauge // seconds
	LocationTimeout prometheus.Gauge // seconds
}

func NewCollector(maxDepartures, windowMinutes int, locationTimeout, lookupTimeout time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "departures_runs_started_total",
			Help: "Total pipeline runs started.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_runs_finished_total",
			Help: "Pipeline runs finished, by outcome.",
		}, []string{"outcome"}),
		Departures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departures_last_board_size",
			Help: "Number of departures shown by the last successful run.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "departures_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_stage_errors_total",
			Help: "Pipeline stage failures, by stage.",
		}, []string{"stage"}),
		LookupRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_lookup_requests_total",
			Help: "Upstream lookup requests, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		LookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "departures_lookup_duration_seconds",
			Help:    "Upstream lookup round-trip time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"endpoint"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "departures_nats_published_total",
			Help: "Total state snapshots published to NATS.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "departures_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departures_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "departures_publish_duration_seconds",
			Help:    "Duration to marshal and publish a snapshot.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		JournalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departures_journal_writes_total",
			Help: "Run journal inserts, by result.",
		}, []string{"result"}),
		MaxDepartures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departures_window_max_departures",
			Help: "Configured maximum departures per board.",
		}),
		WindowMinutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departures_window_duration_minutes",
			Help: "Configured departure window in minutes.",
		}),
		LookupTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departures_lookup_timeout_seconds",
			Help: "Per-lookup timeout in seconds.",
		}),
		LocationTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departures_location_timeout_seconds",
			Help: "Position acquisition timeout in seconds.",
		}),
	}

	// Register
	reg.MustRegister(
		c.RunsStarted, c.RunsFinished, c.Departures,
		c.StageDuration, c.StageErrors,
		c.LookupRequests, c.LookupDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.JournalWrites,
		c.MaxDepartures, c.WindowMinutes, c.LookupTimeout, c.LocationTimeout,
	)

	// Set static gauges
	c.MaxDepartures.Set(float64(maxDepartures))
	c.WindowMinutes.Set(float64(windowMinutes))
	c.LocationTimeout.Set(locationTimeout.Seconds())
	c.LookupTimeout.Set(lookupTimeout.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(logger *zap.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}

func (c *Collector) RunStarted() { c.RunsStarted.Inc() }

func (c *Collector) StageObserve(stage pipeline.Stage, d time.Duration, err error) {
	c.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	if err != nil {
		c.StageErrors.WithLabelValues(string(stage)).Inc()
	}
}

func (c *Collector) RunFinished(outcome string, departures int) {
	c.RunsFinished.WithLabelValues(outcome).Inc()
	if outcome == string(pipeline.StageDone) {
		c.Departures.Set(float64(departures))
	}
}

func (c *Collector) LookupObserve(endpoint string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.LookupRequests.WithLabelValues(endpoint, result).Inc()
	c.LookupDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) JournalObserve(err error) {
	if err != nil {
		c.JournalWrites.WithLabelValues("error").Inc()
		return
	}
	c.JournalWrites.WithLabelValues("ok").Inc()
}
