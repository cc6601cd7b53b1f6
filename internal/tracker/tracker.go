// Package tracker turns successive vehicle-position feeds into arrival and
// departure events by diffing each vehicle's (stop, status) pair against the
// previous cycle.
package tracker

import (
	"sort"
	"time"

	"movement-recorder/internal/gtfs"
)

// Position is what the tracker remembers about a vehicle between cycles.
type Position struct {
	StopID string
	Status gtfs.VehicleStopStatus
}

// Snapshot maps vehicle id to its last reported position. A Snapshot is
// owned by a single poll loop and replaced wholesale every cycle.
type Snapshot map[string]Position

type EventKind int

const (
	Arrived EventKind = iota + 1
	Departed
)

func (k EventKind) String() string {
	switch k {
	case Arrived:
		return "arrived"
	case Departed:
		return "departed"
	default:
		return "unknown"
	}
}

// Event is a movement inferred from two consecutive positions. It carries no
// time; the caller stamps the processing instant when persisting it.
type Event struct {
	Kind      EventKind
	VehicleID string
	StopID    string
}

// Classify applies the transition table to one vehicle. A stop that stays
// the same can only produce an arrival there; a changed stop can only produce
// a departure from the old one.
func Classify(old, cur Position) (EventKind, string, bool) {
	if old.StopID == cur.StopID {
		if (old.Status == gtfs.StatusIncomingAt || old.Status == gtfs.StatusInTransitTo) &&
			cur.Status == gtfs.StatusStoppedAt {
			return Arrived, cur.StopID, true
		}
		return 0, "", false
	}
	if old.Status == gtfs.StatusStoppedAt &&
		(cur.Status == gtfs.StatusInTransitTo || cur.Status == gtfs.StatusIncomingAt) {
		return Departed, old.StopID, true
	}
	return 0, "", false
}

// Advance diffs feed against previous. next holds every vehicle in feed with
// a complete, recognized position; vehicles missing from feed are dropped.
// Vehicles seen for the first time only establish a baseline.
func Advance(previous Snapshot, feed *gtfs.FeedMessage) (Snapshot, []Event) {
	observed := collect(feed)

	next := make(Snapshot, len(observed))
	var events []Event
	for vehicleID, obs := range observed {
		next[vehicleID] = obs.Position
		old, seen := previous[vehicleID]
		if !seen {
			continue
		}
		if kind, stopID, ok := Classify(old, obs.Position); ok {
			events = append(events, Event{Kind: kind, VehicleID: vehicleID, StopID: stopID})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.VehicleID != b.VehicleID {
			return a.VehicleID < b.VehicleID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.StopID < b.StopID
	})
	return next, events
}

type observation struct {
	Position
	timestamp time.Time
}

// collect keeps one observation per vehicle. When a feed repeats a vehicle,
// the newest timestamp wins, then the smaller (stop, status), so the result
// does not depend on entity order.
func collect(feed *gtfs.FeedMessage) map[string]observation {
	out := make(map[string]observation)
	if feed == nil {
		return out
	}
	for _, entity := range feed.Entities {
		vp := entity.Vehicle
		if vp == nil || vp.Vehicle == nil || vp.Vehicle.ID == nil || vp.StopID == nil || vp.CurrentStatus == nil {
			continue
		}
		if !vp.CurrentStatus.Recognized() {
			continue
		}
		obs := observation{Position: Position{StopID: *vp.StopID, Status: *vp.CurrentStatus}}
		if vp.Timestamp != nil {
			obs.timestamp = *vp.Timestamp
		}
		vehicleID := *vp.Vehicle.ID
		if cur, ok := out[vehicleID]; ok && !preferred(obs, cur) {
			continue
		}
		out[vehicleID] = obs
	}
	return out
}

func preferred(a, b observation) bool {
	if !a.timestamp.Equal(b.timestamp) {
		return a.timestamp.After(b.timestamp)
	}
	if a.StopID != b.StopID {
		return a.StopID < b.StopID
	}
	return a.Status < b.Status
}
