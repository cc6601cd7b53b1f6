// Package movement persists arrival and departure events and stamps the
// matching open predictions with actual times.
package movement

import (
	"context"
	"log"
	"time"

	"movement-recorder/internal/publisher"
	"movement-recorder/internal/tracker"
)

// Store is the subset of the database the sink writes to. Every method
// returns the number of rows it affected.
type Store interface {
	UpsertArrival(ctx context.Context, vehicleID, stopID string, at time.Time) (int64, error)
	MarkDeparted(ctx context.Context, vehicleID, stopID string, at time.Time) (int64, error)
	FillActualArrivals(ctx context.Context, vehicleID, stopID string, at time.Time) (int64, error)
	FillActualDepartures(ctx context.Context, vehicleID, stopID string, at time.Time) (int64, error)
}

type Publisher interface {
	PublishMovement(msg publisher.MovementMessage) error
}

type SinkMetrics interface {
	MovementInc(kind string)
	PersistErrInc(op string)
}

// Sink applies movement events. Each write is issued on its own; a failed
// write is logged and never blocks or undoes the others.
type Sink struct {
	store   Store
	pub     Publisher
	metrics SinkMetrics
}

// NewSink builds a sink. pub and m may be nil.
func NewSink(store Store, pub Publisher, m SinkMetrics) *Sink {
	return &Sink{store: store, pub: pub, metrics: m}
}

// Apply writes a cycle's events in order, all stamped with at.
func (s *Sink) Apply(ctx context.Context, events []tracker.Event, at time.Time) {
	for _, ev := range events {
		switch ev.Kind {
		case tracker.Arrived:
			s.Arrived(ctx, ev.VehicleID, ev.StopID, at)
		case tracker.Departed:
			s.Departed(ctx, ev.VehicleID, ev.StopID, at)
		}
	}
}

// Arrived opens a fresh occupancy record for (vehicle, stop), replacing any
// earlier one, then sets actual_arrive_at on every open prediction for the
// pair.
func (s *Sink) Arrived(ctx context.Context, vehicleID, stopID string, at time.Time) {
	s.count(tracker.Arrived)

	n, err := s.store.UpsertArrival(ctx, vehicleID, stopID, at)
	switch {
	case err != nil:
		s.persistFailed("upsert_arrival", vehicleID, stopID, err)
	case n != 1:
		log.Printf("movement: WARN upsert_arrival vehicle=%s stop=%s affected %d rows", vehicleID, stopID, n)
	}

	if _, err := s.store.FillActualArrivals(ctx, vehicleID, stopID, at); err != nil {
		s.persistFailed("fill_actual_arrivals", vehicleID, stopID, err)
	}

	s.publish(tracker.Arrived, vehicleID, stopID, at)
}

// Departed closes the open occupancy record for (vehicle, stop) if one
// exists, then sets actual_depart_at on every prediction for the pair that
// has none yet.
func (s *Sink) Departed(ctx context.Context, vehicleID, stopID string, at time.Time) {
	s.count(tracker.Departed)

	n, err := s.store.MarkDeparted(ctx, vehicleID, stopID, at)
	switch {
	case err != nil:
		s.persistFailed("mark_departed", vehicleID, stopID, err)
	case n != 1:
		log.Printf("movement: WARN mark_departed vehicle=%s stop=%s affected %d rows", vehicleID, stopID, n)
	}

	if _, err := s.store.FillActualDepartures(ctx, vehicleID, stopID, at); err != nil {
		s.persistFailed("fill_actual_departures", vehicleID, stopID, err)
	}

	s.publish(tracker.Departed, vehicleID, stopID, at)
}

func (s *Sink) count(kind tracker.EventKind) {
	if s.metrics != nil {
		s.metrics.MovementInc(kind.String())
	}
}

func (s *Sink) persistFailed(op, vehicleID, stopID string, err error) {
	log.Printf("movement: WARN %s vehicle=%s stop=%s: %v", op, vehicleID, stopID, err)
	if s.metrics != nil {
		s.metrics.PersistErrInc(op)
	}
}

func (s *Sink) publish(kind tracker.EventKind, vehicleID, stopID string, at time.Time) {
	if s.pub == nil {
		return
	}
	msg := publisher.MovementMessage{Kind: kind.String(), VehicleID: vehicleID, StopID: stopID, At: at}
	if err := s.pub.PublishMovement(msg); err != nil {
		log.Printf("movement: publish %s vehicle=%s stop=%s: %v", kind, vehicleID, stopID, err)
	}
}
