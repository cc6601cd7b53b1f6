package prediction

import (
	"sort"
	"time"
)

// Rank is the nth_at_stop value for one row of a batch.
type Rank struct {
	Key
	NthAtStop int32
}

// Rank orders each stop's predictions by their earliest predicted time and
// numbers them from 1. Rows with neither time come last; ties go to trip id,
// then vehicle id.
func (b Batch) Rank() []Rank {
	if len(b.Rows) == 0 {
		return nil
	}

	byStop := make(map[string][]Prediction)
	for _, p := range b.Rows {
		byStop[p.StopID] = append(byStop[p.StopID], p)
	}

	stops := make([]string, 0, len(byStop))
	for stopID := range byStop {
		stops = append(stops, stopID)
	}
	sort.Strings(stops)

	ranks := make([]Rank, 0, len(b.Rows))
	for _, stopID := range stops {
		group := byStop[stopID]
		sort.SliceStable(group, func(i, j int) bool { return before(group[i], group[j]) })
		for i, p := range group {
			ranks = append(ranks, Rank{Key: p.Key(), NthAtStop: int32(i + 1)})
		}
	}
	return ranks
}

// Earliest is the earlier of the predicted arrival and departure, ignoring
// whichever is missing.
func (p Prediction) Earliest() *time.Time {
	a, d := p.PredictedArriveAt, p.PredictedDepartAt
	switch {
	case a == nil:
		return d
	case d == nil:
		return a
	case d.Before(*a):
		return d
	default:
		return a
	}
}

func before(a, b Prediction) bool {
	ta, tb := a.Earliest(), b.Earliest()
	switch {
	case ta != nil && tb == nil:
		return true
	case ta == nil && tb != nil:
		return false
	case ta != nil && tb != nil && !ta.Equal(*tb):
		return ta.Before(*tb)
	}
	if a.TripID != b.TripID {
		return a.TripID < b.TripID
	}
	return a.VehicleID < b.VehicleID
}
