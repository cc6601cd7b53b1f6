package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	"movement-recorder/internal/clock"
	"movement-recorder/internal/config"
	"movement-recorder/internal/db"
	"movement-recorder/internal/gtfs"
	"movement-recorder/internal/metrics"
	"movement-recorder/internal/movement"
	"movement-recorder/internal/poll"
	"movement-recorder/internal/publisher"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Each loop gets its own pool
	vehicleDB := openStore(ctx, cfg.DatabaseURL, poll.FeedVehiclePositions)
	defer vehicleDB.Close()
	tripDB := openStore(ctx, cfg.DatabaseURL, poll.FeedTripUpdates)
	defer tripDB.Close()

	if err := db.EnsureSchema(ctx, vehicleDB); err != nil {
		log.Fatalf("schema error: %v", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(map[string]time.Duration{
			poll.FeedVehiclePositions: cfg.VehiclePollInterval,
			poll.FeedTripUpdates:      cfg.TripUpdatesInterval,
		})
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Movement publishing is optional
	var pub movement.Publisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer np.Close()
		pub = np
	}

	client := gtfs.NewClient(cfg.FetchTimeout)
	clk := clock.RealClock{}
	lm := wrapLoopMetrics(mcol)

	sink := movement.NewSink(db.NewStore(vehicleDB), pub, wrapSinkMetrics(mcol))
	vehicles := poll.NewVehicleLoop(
		poll.Feed{URL: cfg.VehiclePositionsURL, Format: cfg.VehiclePositionsFormat, Interval: cfg.VehiclePollInterval},
		client, sink, clk, lm,
	)
	trips := poll.NewTripUpdateLoop(
		poll.Feed{URL: cfg.TripUpdatesURL, Format: cfg.TripUpdatesFormat, Interval: cfg.TripUpdatesInterval},
		client, db.NewStore(tripDB), clk, lm,
	)

	mgr := poll.NewManager(vehicles, trips)
	mgr.Start(ctx)

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	log.Println("shutdown complete")
}

func openStore(ctx context.Context, dsn, name string) *sql.DB {
	sqlDB, err := db.Open(dsn, name)
	if err != nil {
		log.Fatalf("db open (%s) error: %v", name, err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping (%s) error: %v", name, err)
	}
	return sqlDB
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func wrapSinkMetrics(c *metrics.Collector) movement.SinkMetrics {
	if c == nil {
		return nil
	}
	return &sinkMetrics{c: c}
}

type sinkMetrics struct{ c *metrics.Collector }

func (s *sinkMetrics) MovementInc(kind string) { s.c.MovementEvents.WithLabelValues(kind).Inc() }
func (s *sinkMetrics) PersistErrInc(op string) { s.c.PersistErrs.WithLabelValues(op).Inc() }

func wrapLoopMetrics(c *metrics.Collector) poll.LoopMetrics {
	if c == nil {
		return nil
	}
	return &loopMetrics{c: c}
}

type loopMetrics struct{ c *metrics.Collector }

func (l *loopMetrics) CycleObserve(feed, result string, d time.Duration) {
	l.c.Cycles.WithLabelValues(feed, result).Inc()
	l.c.CycleDuration.WithLabelValues(feed).Observe(d.Seconds())
}
func (l *loopMetrics) TrackedVehiclesSet(n int)      { l.c.TrackedVehicles.Set(float64(n)) }
func (l *loopMetrics) PredictionsWrittenAdd(n int64) { l.c.PredictionsWritten.Add(float64(n)) }
func (l *loopMetrics) PredictionsSkippedAdd(reason string, n int) {
	if n > 0 {
		l.c.PredictionsSkipped.WithLabelValues(reason).Add(float64(n))
	}
}
func (l *loopMetrics) PersistErrInc(op string) { l.c.PersistErrs.WithLabelValues(op).Inc() }
