package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles        *prometheus.CounterVec   // feed, result: ok|fetch_error|decode_error|persist_error
	CycleDuration *prometheus.HistogramVec // feed

	MovementEvents *prometheus.CounterVec // kind: arrived|departed
	PersistErrs    *prometheus.CounterVec // op

	PredictionsWritten prometheus.Counter
	PredictionsSkipped *prometheus.CounterVec // reason

	TrackedVehicles prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	PollInterval *prometheus.GaugeVec // feed, seconds
}

// NewCollector builds a collector on a private registry. intervals maps a
// feed name to its poll delay and is exported as a static gauge.
func NewCollector(intervals map[string]time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_cycles_total",
			Help: "Poll cycles by feed and result.",
		}, []string{"feed", "result"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_cycle_duration_seconds",
			Help:    "Duration of one fetch and process cycle.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"feed"}),
		MovementEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_movement_events_total",
			Help: "Movement events applied.",
		}, []string{"kind"}),
		PersistErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_persist_errors_total",
			Help: "Failed store writes by operation.",
		}, []string{"op"}),
		PredictionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_predictions_written_total",
			Help: "Prediction rows copied into the store.",
		}),
		PredictionsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_predictions_skipped_total",
			Help: "Stop time updates not written, by reason.",
		}, []string{"reason"}),
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_tracked_vehicles",
			Help: "Vehicles in the latest position snapshot.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_nats_publish_duration_seconds",
			Help:    "Duration to publish one movement message to NATS.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recorder_poll_interval_seconds",
			Help: "Configured delay between poll cycles.",
		}, []string{"feed"}),
	}

	reg.MustRegister(
		c.Cycles, c.CycleDuration,
		c.MovementEvents, c.PersistErrs,
		c.PredictionsWritten, c.PredictionsSkipped,
		c.TrackedVehicles,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.PollInterval,
	)

	for feed, d := range intervals {
		c.PollInterval.WithLabelValues(feed).Set(d.Seconds())
	}

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
