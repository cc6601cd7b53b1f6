package db

import (
	"context"
	"time"
)

// UpsertArrival starts a fresh occupancy record for (vehicle, stop). An
// existing row is overwritten and its departure cleared.
func (s *Store) UpsertArrival(ctx context.Context, vehicleID, stopID string, at time.Time) (int64, error) {
	const q = `
INSERT INTO vehicle_movements (vehicle_id, stop_id, arrived_at, departed_at)
VALUES ($1, $2, $3, NULL)
ON CONFLICT (vehicle_id, stop_id) DO UPDATE
SET arrived_at = EXCLUDED.arrived_at, departed_at = NULL`
	return s.exec(ctx, "upsert arrival", q, vehicleID, stopID, at)
}

// MarkDeparted sets departed_at only on a row that has arrived and not yet
// departed.
func (s *Store) MarkDeparted(ctx context.Context, vehicleID, stopID string, at time.Time) (int64, error) {
	const q = `
UPDATE vehicle_movements
SET departed_at = $1
WHERE vehicle_id = $2
  AND stop_id = $3
  AND arrived_at IS NOT NULL
  AND departed_at IS NULL`
	return s.exec(ctx, "mark departed", q, at, vehicleID, stopID)
}

// FillActualArrivals stamps every prediction for (vehicle, stop) that has no
// actual arrival yet, across all batches.
func (s *Store) FillActualArrivals(ctx context.Context, vehicleID, stopID string, at time.Time) (int64, error) {
	const q = `
UPDATE predictions
SET actual_arrive_at = $1
WHERE vehicle_id = $2
  AND stop_id = $3
  AND actual_arrive_at IS NULL`
	return s.exec(ctx, "fill actual arrivals", q, at, vehicleID, stopID)
}

// FillActualDepartures stamps every prediction for (vehicle, stop) that has
// no actual departure yet, whether or not an arrival was recorded.
func (s *Store) FillActualDepartures(ctx context.Context, vehicleID, stopID string, at time.Time) (int64, error) {
	const q = `
UPDATE predictions
SET actual_depart_at = $1
WHERE vehicle_id = $2
  AND stop_id = $3
  AND actual_depart_at IS NULL`
	return s.exec(ctx, "fill actual departures", q, at, vehicleID, stopID)
}
