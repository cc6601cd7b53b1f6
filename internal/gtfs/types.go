package gtfs

import (
	"strings"
	"time"
)

// FeedMessage is a decoded GTFS-Realtime feed, independent of the wire
// encoding it arrived in. Optional fields are pointers; nil means absent.
type FeedMessage struct {
	Header   FeedHeader
	Entities []FeedEntity
}

type FeedHeader struct {
	Version   string
	Timestamp *time.Time
}

// FeedEntity carries at most one of a trip update or a vehicle position.
type FeedEntity struct {
	ID         string
	IsDeleted  bool
	TripUpdate *TripUpdate
	Vehicle    *VehiclePosition
}

type TripDescriptor struct {
	TripID               *string
	RouteID              *string
	DirectionID          *uint32
	ScheduleRelationship *ScheduleRelationship
}

type VehicleDescriptor struct {
	ID    *string
	Label *string
}

type StopTimeEvent struct {
	Time        *int64 // epoch seconds
	Delay       *int32
	Uncertainty *int32
}

type StopTimeUpdate struct {
	StopSequence         *uint32
	StopID               *string
	Arrival              *StopTimeEvent
	Departure            *StopTimeEvent
	ScheduleRelationship *ScheduleRelationship
	BoardingStatus       *string
}

type TripUpdate struct {
	Trip            TripDescriptor
	Vehicle         *VehicleDescriptor
	StopTimeUpdates []StopTimeUpdate
	Timestamp       *time.Time
}

type VehiclePosition struct {
	Trip                *TripDescriptor
	Vehicle             *VehicleDescriptor
	CurrentStopSequence *uint32
	StopID              *string
	CurrentStatus       *VehicleStopStatus
	Timestamp           *time.Time
}

// VehicleStopStatus is the closed set of stop statuses a vehicle position can
// report. Anything the decoder does not know maps to StatusUnrecognized.
type VehicleStopStatus int

const (
	StatusUnrecognized VehicleStopStatus = iota
	StatusIncomingAt
	StatusStoppedAt
	StatusInTransitTo
)

func (s VehicleStopStatus) String() string {
	switch s {
	case StatusIncomingAt:
		return "INCOMING_AT"
	case StatusStoppedAt:
		return "STOPPED_AT"
	case StatusInTransitTo:
		return "IN_TRANSIT_TO"
	default:
		return "UNRECOGNIZED"
	}
}

// Recognized reports whether s is one of the three GTFS-RT statuses.
func (s VehicleStopStatus) Recognized() bool {
	return s == StatusIncomingAt || s == StatusStoppedAt || s == StatusInTransitTo
}

// ParseVehicleStopStatus maps a wire name to a status. Matching ignores case
// and surrounding whitespace.
func ParseVehicleStopStatus(name string) VehicleStopStatus {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "INCOMING_AT":
		return StatusIncomingAt
	case "STOPPED_AT":
		return StatusStoppedAt
	case "IN_TRANSIT_TO":
		return StatusInTransitTo
	default:
		return StatusUnrecognized
	}
}

// ScheduleRelationship covers both the trip-level and the stop-time-level
// variants of the GTFS-RT enum.
type ScheduleRelationship int

const (
	RelationshipUnrecognized ScheduleRelationship = iota
	RelationshipScheduled
	RelationshipAdded
	RelationshipUnscheduled
	RelationshipCanceled
	RelationshipSkipped
	RelationshipNoData
	RelationshipReplacement
	RelationshipDuplicated
	RelationshipDeleted
)

var relationshipNames = map[ScheduleRelationship]string{
	RelationshipScheduled:   "SCHEDULED",
	RelationshipAdded:       "ADDED",
	RelationshipUnscheduled: "UNSCHEDULED",
	RelationshipCanceled:    "CANCELED",
	RelationshipSkipped:     "SKIPPED",
	RelationshipNoData:      "NO_DATA",
	RelationshipReplacement: "REPLACEMENT",
	RelationshipDuplicated:  "DUPLICATED",
	RelationshipDeleted:     "DELETED",
}

func (r ScheduleRelationship) String() string {
	if name, ok := relationshipNames[r]; ok {
		return name
	}
	return "UNRECOGNIZED"
}

func ParseScheduleRelationship(name string) ScheduleRelationship {
	name = strings.ToUpper(strings.TrimSpace(name))
	// CANCELLED shows up in some agency JSON feeds
	if name == "CANCELLED" {
		return RelationshipCanceled
	}
	for r, n := range relationshipNames {
		if n == name {
			return r
		}
	}
	return RelationshipUnrecognized
}
