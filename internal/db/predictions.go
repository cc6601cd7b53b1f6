package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"movement-recorder/internal/prediction"
)

var predictionColumns = []string{
	"file_at", "trip_id", "vehicle_id", "stop_id",
	"direction_id", "stop_sequence",
	"predicted_arrive_at", "predicted_depart_at", "boarding_status",
}

// CopyPredictions bulk-loads a batch with COPY. The batch goes in whole or
// not at all.
func (s *Store) CopyPredictions(ctx context.Context, rows []prediction.Prediction) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("copy predictions: acquire conn: %w", err)
	}
	defer conn.Close()

	var n int64
	err = conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		var err error
		n, err = c.Conn().CopyFrom(ctx,
			pgx.Identifier{"predictions"},
			predictionColumns,
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				p := rows[i]
				return []any{
					p.FileAt, p.TripID, p.VehicleID, p.StopID,
					p.DirectionID, p.StopSequence,
					p.PredictedArriveAt, p.PredictedDepartAt, p.BoardingStatus,
				}, nil
			}),
		)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("copy predictions: %w", err)
	}
	return n, nil
}

// ApplyRanks writes nth_at_stop for the rows of one batch in a single
// statement. Rows outside fileAt are never touched.
func (s *Store) ApplyRanks(ctx context.Context, fileAt time.Time, ranks []prediction.Rank) (int64, error) {
	if len(ranks) == 0 {
		return 0, nil
	}

	tripIDs := make([]string, len(ranks))
	vehicleIDs := make([]string, len(ranks))
	stopIDs := make([]string, len(ranks))
	nths := make([]int32, len(ranks))
	for i, r := range ranks {
		tripIDs[i] = r.TripID
		vehicleIDs[i] = r.VehicleID
		stopIDs[i] = r.StopID
		nths[i] = r.NthAtStop
	}

	const q = `
UPDATE predictions AS p
SET nth_at_stop = r.nth
FROM unnest($2::text[], $3::text[], $4::text[], $5::int4[]) AS r(trip_id, vehicle_id, stop_id, nth)
WHERE p.file_at = $1
  AND p.trip_id = r.trip_id
  AND p.vehicle_id = r.vehicle_id
  AND p.stop_id = r.stop_id`
	return s.exec(ctx, "apply ranks", q, fileAt, tripIDs, vehicleIDs, stopIDs, nths)
}
