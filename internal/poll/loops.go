package poll

import (
	"context"
	"errors"
	"log"
	"time"

	"movement-recorder/internal/clock"
	"movement-recorder/internal/gtfs"
	"movement-recorder/internal/movement"
	"movement-recorder/internal/prediction"
	"movement-recorder/internal/tracker"
)

const (
	FeedVehiclePositions = "vehicle_positions"
	FeedTripUpdates      = "trip_updates"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string, format gtfs.Format) (*gtfs.FeedMessage, error)
}

type PredictionStore interface {
	CopyPredictions(ctx context.Context, rows []prediction.Prediction) (int64, error)
	ApplyRanks(ctx context.Context, fileAt time.Time, ranks []prediction.Rank) (int64, error)
}

type LoopMetrics interface {
	CycleObserve(feed, result string, d time.Duration)
	TrackedVehiclesSet(n int)
	PredictionsWrittenAdd(n int64)
	PredictionsSkippedAdd(reason string, n int)
	PersistErrInc(op string)
}

// Feed describes one endpoint and how often to poll it.
type Feed struct {
	URL      string
	Format   gtfs.Format
	Interval time.Duration
}

// VehicleLoop polls vehicle positions and feeds the tracker. Its snapshot
// lives only inside Run and is passed from one cycle to the next.
type VehicleLoop struct {
	feed    Feed
	fetcher Fetcher
	sink    *movement.Sink
	clock   clock.Clock
	metrics LoopMetrics
}

func NewVehicleLoop(feed Feed, fetcher Fetcher, sink *movement.Sink, clk clock.Clock, m LoopMetrics) *VehicleLoop {
	return &VehicleLoop{feed: feed, fetcher: fetcher, sink: sink, clock: clk, metrics: m}
}

func (l *VehicleLoop) Name() string { return FeedVehiclePositions }

// Run polls until ctx is cancelled. The interval is measured from the end of
// one cycle to the start of the next.
func (l *VehicleLoop) Run(ctx context.Context) {
	positions := tracker.Snapshot{}
	for {
		positions = l.RunCycle(ctx, positions)
		if !wait(ctx, l.feed.Interval) {
			return
		}
	}
}

// RunCycle fetches one feed and applies the resulting events. If the feed
// cannot be fetched or decoded, prev is returned unchanged.
func (l *VehicleLoop) RunCycle(ctx context.Context, prev tracker.Snapshot) tracker.Snapshot {
	start := time.Now()
	feed, err := l.fetcher.Fetch(ctx, l.feed.URL, l.feed.Format)
	if err != nil {
		log.Printf("vehicle loop: %v", err)
		l.observe(failureResult(err), start)
		return prev
	}
	fetched := time.Since(start)

	next, events := tracker.Advance(prev, feed)
	l.sink.Apply(ctx, events, l.clock.Now())

	if l.metrics != nil {
		l.metrics.TrackedVehiclesSet(len(next))
	}
	log.Printf("vehicle loop: fetched in %d ms, %d vehicles, %d events, processed in %d ms",
		fetched.Milliseconds(), len(next), len(events), (time.Since(start) - fetched).Milliseconds())
	l.observe("ok", start)
	return next
}

func (l *VehicleLoop) observe(result string, start time.Time) {
	if l.metrics != nil {
		l.metrics.CycleObserve(FeedVehiclePositions, result, time.Since(start))
	}
}

// TripUpdateLoop snapshots trip-update predictions into the store once per
// cycle and ranks each batch.
type TripUpdateLoop struct {
	feed    Feed
	fetcher Fetcher
	store   PredictionStore
	clock   clock.Clock
	metrics LoopMetrics
}

func NewTripUpdateLoop(feed Feed, fetcher Fetcher, store PredictionStore, clk clock.Clock, m LoopMetrics) *TripUpdateLoop {
	return &TripUpdateLoop{feed: feed, fetcher: fetcher, store: store, clock: clk, metrics: m}
}

func (l *TripUpdateLoop) Name() string { return FeedTripUpdates }

func (l *TripUpdateLoop) Run(ctx context.Context) {
	for {
		l.RunCycle(ctx)
		if !wait(ctx, l.feed.Interval) {
			return
		}
	}
}

// RunCycle fetches one trip-update feed, writes it as a batch and ranks it.
// It returns the batch that was built, or nil if the feed was unusable.
func (l *TripUpdateLoop) RunCycle(ctx context.Context) *prediction.Batch {
	start := time.Now()
	feed, err := l.fetcher.Fetch(ctx, l.feed.URL, l.feed.Format)
	if err != nil {
		log.Printf("trip loop: %v", err)
		l.observe(failureResult(err), start)
		return nil
	}
	fetched := time.Since(start)

	// postgres keeps microseconds; truncating keeps file_at comparisons exact
	fileAt := l.clock.Now().Truncate(time.Microsecond)
	batch := prediction.Build(feed, fileAt)
	l.skipped(batch)

	written, err := l.store.CopyPredictions(ctx, batch.Rows)
	if err != nil {
		log.Printf("trip loop: WARN could not add %d predictions for file_at=%s: %v",
			len(batch.Rows), fileAt.Format(time.RFC3339Nano), err)
		l.persistFailed("copy_predictions")
		l.observe("persist_error", start)
		return &batch
	}
	if l.metrics != nil {
		l.metrics.PredictionsWrittenAdd(written)
	}

	result := "ok"
	ranked, err := l.store.ApplyRanks(ctx, fileAt, batch.Rank())
	if err != nil {
		log.Printf("trip loop: WARN could not rank file_at=%s: %v", fileAt.Format(time.RFC3339Nano), err)
		l.persistFailed("apply_ranks")
		result = "persist_error"
	}

	log.Printf("trip loop: fetched in %d ms, added %d predictions, ranked %d, processed in %d ms",
		fetched.Milliseconds(), written, ranked, (time.Since(start) - fetched).Milliseconds())
	l.observe(result, start)
	return &batch
}

func (l *TripUpdateLoop) skipped(b prediction.Batch) {
	if b.Duplicates > 0 {
		log.Printf("trip loop: dropped %d duplicate prediction keys", b.Duplicates)
	}
	if l.metrics == nil {
		return
	}
	l.metrics.PredictionsSkippedAdd("missing_stop_fields", b.Skipped)
	l.metrics.PredictionsSkippedAdd("missing_trip_fields", b.Unqualified)
	l.metrics.PredictionsSkippedAdd("duplicate_key", b.Duplicates)
}

func (l *TripUpdateLoop) persistFailed(op string) {
	if l.metrics != nil {
		l.metrics.PersistErrInc(op)
	}
}

func (l *TripUpdateLoop) observe(result string, start time.Time) {
	if l.metrics != nil {
		l.metrics.CycleObserve(FeedTripUpdates, result, time.Since(start))
	}
}

func failureResult(err error) string {
	switch {
	case errors.Is(err, gtfs.ErrDecode):
		return "decode_error"
	default:
		return "fetch_error"
	}
}

// wait sleeps for d and reports whether the loop should continue.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
