// Package prediction turns a trip-update feed into one batch of prediction
// rows and ranks them per stop.
package prediction

import (
	"math"
	"time"

	"movement-recorder/internal/gtfs"
)

// Prediction is one row of the predictions table as created by a batch.
// nth_at_stop and the actual_* columns are filled in later.
type Prediction struct {
	FileAt            time.Time
	TripID            string
	VehicleID         string
	StopID            string
	DirectionID       int32
	StopSequence      int32
	PredictedArriveAt *time.Time
	PredictedDepartAt *time.Time
	BoardingStatus    *string
}

// Key is the predictions primary key.
type Key struct {
	TripID    string
	VehicleID string
	StopID    string
}

func (p Prediction) Key() Key {
	return Key{TripID: p.TripID, VehicleID: p.VehicleID, StopID: p.StopID}
}

// Batch is the set of rows produced by one trip-update cycle.
type Batch struct {
	FileAt      time.Time
	Rows        []Prediction
	Skipped     int // stop-time updates lacking stop id or sequence, or with a sequence past int4
	Duplicates  int // rows dropped for repeating a key within the batch
	Unqualified int // trip updates lacking trip id, direction id or vehicle id, or with a direction past int4
}

// Build extracts one prediction per usable stop-time update. Every row is
// stamped with fileAt. Updates missing an identifying field are skipped
// whole.
func Build(feed *gtfs.FeedMessage, fileAt time.Time) Batch {
	batch := Batch{FileAt: fileAt}
	if feed == nil {
		return batch
	}

	seen := make(map[Key]struct{})
	for _, entity := range feed.Entities {
		tu := entity.TripUpdate
		if tu == nil {
			continue
		}
		if tu.Trip.TripID == nil || tu.Trip.DirectionID == nil || tu.Vehicle == nil || tu.Vehicle.ID == nil ||
			*tu.Trip.DirectionID > math.MaxInt32 {
			batch.Unqualified++
			continue
		}
		tripID := *tu.Trip.TripID
		directionID := int32(*tu.Trip.DirectionID)
		vehicleID := *tu.Vehicle.ID

		for _, stu := range tu.StopTimeUpdates {
			// the table stores sequences as int4
			if stu.StopID == nil || stu.StopSequence == nil || *stu.StopSequence > math.MaxInt32 {
				batch.Skipped++
				continue
			}
			p := Prediction{
				FileAt:            fileAt,
				TripID:            tripID,
				VehicleID:         vehicleID,
				StopID:            *stu.StopID,
				DirectionID:       directionID,
				StopSequence:      int32(*stu.StopSequence),
				PredictedArriveAt: eventTime(stu.Arrival),
				PredictedDepartAt: eventTime(stu.Departure),
				BoardingStatus:    stu.BoardingStatus,
			}
			if _, dup := seen[p.Key()]; dup {
				batch.Duplicates++
				continue
			}
			seen[p.Key()] = struct{}{}
			batch.Rows = append(batch.Rows, p)
		}
	}
	return batch
}

func eventTime(ev *gtfs.StopTimeEvent) *time.Time {
	if ev == nil || ev.Time == nil {
		return nil
	}
	t := time.Unix(*ev.Time, 0).UTC()
	return &t
}
