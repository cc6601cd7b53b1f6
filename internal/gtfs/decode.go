package gtfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// ErrDecode marks a payload that could not be parsed as a GTFS-RT feed.
var ErrDecode = errors.New("decode feed")

// Format selects the wire encoding of a feed.
type Format string

const (
	FormatAuto     Format = "auto"
	FormatProtobuf Format = "protobuf"
	FormatJSON     Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "protobuf", "pb", "proto":
		return FormatProtobuf, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown feed format %q", s)
	}
}

// Resolve picks a concrete format for FormatAuto from the response content
// type, then from the URL extension. Protobuf is the fallback.
func (f Format) Resolve(url, contentType string) Format {
	if f != FormatAuto && f != "" {
		return f
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return FormatJSON
	case strings.Contains(ct, "protobuf"), strings.Contains(ct, "octet-stream"):
		return FormatProtobuf
	}
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if strings.EqualFold(path.Ext(url), ".json") {
		return FormatJSON
	}
	return FormatProtobuf
}

// Decode parses data in the given concrete format.
func Decode(data []byte, format Format) (*FeedMessage, error) {
	switch format {
	case FormatJSON:
		return DecodeJSON(data)
	case FormatProtobuf:
		return DecodeProtobuf(data)
	default:
		return nil, fmt.Errorf("%w: unresolved format %q", ErrDecode, format)
	}
}

// DecodeProtobuf parses a binary GTFS-RT FeedMessage.
func DecodeProtobuf(data []byte) (*FeedMessage, error) {
	feed := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(data, feed); err != nil {
		return nil, fmt.Errorf("%w: parse protobuf: %v", ErrDecode, err)
	}
	return fromProto(feed), nil
}

func fromProto(feed *gtfsrt.FeedMessage) *FeedMessage {
	msg := &FeedMessage{
		Header: FeedHeader{
			Version:   feed.GetHeader().GetGtfsRealtimeVersion(),
			Timestamp: unixPtr(feed.GetHeader().Timestamp),
		},
		Entities: make([]FeedEntity, 0, len(feed.GetEntity())),
	}
	for _, e := range feed.GetEntity() {
		entity := FeedEntity{
			ID:        e.GetId(),
			IsDeleted: e.GetIsDeleted(),
		}
		if tu := e.GetTripUpdate(); tu != nil {
			entity.TripUpdate = protoTripUpdate(tu)
		}
		if vp := e.GetVehicle(); vp != nil {
			entity.Vehicle = protoVehiclePosition(vp)
		}
		msg.Entities = append(msg.Entities, entity)
	}
	return msg
}

func protoTripUpdate(tu *gtfsrt.TripUpdate) *TripUpdate {
	out := &TripUpdate{
		Vehicle:         protoVehicleDescriptor(tu.GetVehicle()),
		StopTimeUpdates: make([]StopTimeUpdate, 0, len(tu.GetStopTimeUpdate())),
		Timestamp:       unixPtr(tu.Timestamp),
	}
	if trip := protoTrip(tu.GetTrip()); trip != nil {
		out.Trip = *trip
	}
	for _, stu := range tu.GetStopTimeUpdate() {
		u := StopTimeUpdate{
			StopSequence: stu.StopSequence,
			StopID:       stu.StopId,
			Arrival:      protoStopTimeEvent(stu.GetArrival()),
			Departure:    protoStopTimeEvent(stu.GetDeparture()),
		}
		if stu.ScheduleRelationship != nil {
			r := ParseScheduleRelationship(stu.GetScheduleRelationship().String())
			u.ScheduleRelationship = &r
		}
		out.StopTimeUpdates = append(out.StopTimeUpdates, u)
	}
	return out
}

func protoVehiclePosition(vp *gtfsrt.VehiclePosition) *VehiclePosition {
	out := &VehiclePosition{
		Trip:                protoTrip(vp.GetTrip()),
		Vehicle:             protoVehicleDescriptor(vp.GetVehicle()),
		CurrentStopSequence: vp.CurrentStopSequence,
		StopID:              vp.StopId,
		Timestamp:           unixPtr(vp.Timestamp),
	}
	if vp.CurrentStatus != nil {
		var s VehicleStopStatus
		switch vp.GetCurrentStatus() {
		case gtfsrt.VehiclePosition_INCOMING_AT:
			s = StatusIncomingAt
		case gtfsrt.VehiclePosition_STOPPED_AT:
			s = StatusStoppedAt
		case gtfsrt.VehiclePosition_IN_TRANSIT_TO:
			s = StatusInTransitTo
		default:
			s = StatusUnrecognized
		}
		out.CurrentStatus = &s
	}
	return out
}

func protoTrip(td *gtfsrt.TripDescriptor) *TripDescriptor {
	if td == nil {
		return nil
	}
	out := &TripDescriptor{
		TripID:      td.TripId,
		RouteID:     td.RouteId,
		DirectionID: td.DirectionId,
	}
	if td.ScheduleRelationship != nil {
		r := ParseScheduleRelationship(td.GetScheduleRelationship().String())
		out.ScheduleRelationship = &r
	}
	return out
}

func protoVehicleDescriptor(vd *gtfsrt.VehicleDescriptor) *VehicleDescriptor {
	if vd == nil {
		return nil
	}
	return &VehicleDescriptor{ID: vd.Id, Label: vd.Label}
}

func protoStopTimeEvent(ev *gtfsrt.TripUpdate_StopTimeEvent) *StopTimeEvent {
	if ev == nil {
		return nil
	}
	return &StopTimeEvent{Time: ev.Time, Delay: ev.Delay, Uncertainty: ev.Uncertainty}
}

func unixPtr(ts *uint64) *time.Time {
	if ts == nil {
		return nil
	}
	t := time.Unix(int64(*ts), 0).UTC()
	return &t
}

// JSON encoding: snake_case names as published by agencies alongside the
// protobuf feed, enums as names or numbers, 64-bit ints possibly quoted.

type jsonFeed struct {
	Header struct {
		Version   string    `json:"gtfs_realtime_version"`
		Timestamp *flexUint `json:"timestamp"`
	} `json:"header"`
	Entity []jsonEntity `json:"entity"`
}

type jsonEntity struct {
	ID         string          `json:"id"`
	IsDeleted  *bool           `json:"is_deleted"`
	TripUpdate *jsonTripUpdate `json:"trip_update"`
	Vehicle    *jsonVehiclePos `json:"vehicle"`
}

type jsonTrip struct {
	TripID               *string     `json:"trip_id"`
	RouteID              *string     `json:"route_id"`
	DirectionID          *flexUint32 `json:"direction_id"`
	ScheduleRelationship *flexEnum   `json:"schedule_relationship"`
}

type jsonVehicle struct {
	ID    *string `json:"id"`
	Label *string `json:"label"`
}

type jsonStopTimeEvent struct {
	Time        *flexInt   `json:"time"`
	Delay       *flexInt32 `json:"delay"`
	Uncertainty *flexInt32 `json:"uncertainty"`
}

type jsonStopTimeUpdate struct {
	StopSequence         *flexUint32        `json:"stop_sequence"`
	StopID               *string            `json:"stop_id"`
	Arrival              *jsonStopTimeEvent `json:"arrival"`
	Departure            *jsonStopTimeEvent `json:"departure"`
	ScheduleRelationship *flexEnum          `json:"schedule_relationship"`
	BoardingStatus       *string            `json:"boarding_status"`
}

type jsonTripUpdate struct {
	Trip           *jsonTrip            `json:"trip"`
	Vehicle        *jsonVehicle         `json:"vehicle"`
	StopTimeUpdate []jsonStopTimeUpdate `json:"stop_time_update"`
	Timestamp      *flexUint            `json:"timestamp"`
}

type jsonVehiclePos struct {
	Trip                *jsonTrip    `json:"trip"`
	Vehicle             *jsonVehicle `json:"vehicle"`
	CurrentStopSequence *flexUint32  `json:"current_stop_sequence"`
	StopID              *string      `json:"stop_id"`
	CurrentStatus       *flexEnum    `json:"current_status"`
	Timestamp           *flexUint    `json:"timestamp"`
}

// DecodeJSON parses the JSON encoding of a GTFS-RT FeedMessage.
func DecodeJSON(data []byte) (*FeedMessage, error) {
	var feed jsonFeed
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%w: parse json: %v", ErrDecode, err)
	}

	msg := &FeedMessage{
		Header: FeedHeader{
			Version:   feed.Header.Version,
			Timestamp: feed.Header.Timestamp.time(),
		},
		Entities: make([]FeedEntity, 0, len(feed.Entity)),
	}
	for _, e := range feed.Entity {
		entity := FeedEntity{ID: e.ID}
		if e.IsDeleted != nil {
			entity.IsDeleted = *e.IsDeleted
		}
		if e.TripUpdate != nil {
			entity.TripUpdate = jsonToTripUpdate(e.TripUpdate)
		}
		if e.Vehicle != nil {
			entity.Vehicle = jsonToVehiclePosition(e.Vehicle)
		}
		msg.Entities = append(msg.Entities, entity)
	}
	return msg, nil
}

func jsonToTripUpdate(tu *jsonTripUpdate) *TripUpdate {
	out := &TripUpdate{
		Vehicle:         jsonToVehicle(tu.Vehicle),
		StopTimeUpdates: make([]StopTimeUpdate, 0, len(tu.StopTimeUpdate)),
		Timestamp:       tu.Timestamp.time(),
	}
	if trip := jsonToTrip(tu.Trip); trip != nil {
		out.Trip = *trip
	}
	for _, stu := range tu.StopTimeUpdate {
		u := StopTimeUpdate{
			StopSequence:   stu.StopSequence.uint32(),
			StopID:         stu.StopID,
			Arrival:        jsonToStopTimeEvent(stu.Arrival),
			Departure:      jsonToStopTimeEvent(stu.Departure),
			BoardingStatus: stu.BoardingStatus,
		}
		if stu.ScheduleRelationship != nil {
			r := stu.ScheduleRelationship.stopRelationship()
			u.ScheduleRelationship = &r
		}
		out.StopTimeUpdates = append(out.StopTimeUpdates, u)
	}
	return out
}

func jsonToVehiclePosition(vp *jsonVehiclePos) *VehiclePosition {
	out := &VehiclePosition{
		Trip:                jsonToTrip(vp.Trip),
		Vehicle:             jsonToVehicle(vp.Vehicle),
		CurrentStopSequence: vp.CurrentStopSequence.uint32(),
		StopID:              vp.StopID,
		Timestamp:           vp.Timestamp.time(),
	}
	if vp.CurrentStatus != nil {
		s := vp.CurrentStatus.stopStatus()
		out.CurrentStatus = &s
	}
	return out
}

func jsonToTrip(t *jsonTrip) *TripDescriptor {
	if t == nil {
		return nil
	}
	out := &TripDescriptor{
		TripID:      t.TripID,
		RouteID:     t.RouteID,
		DirectionID: t.DirectionID.uint32(),
	}
	if t.ScheduleRelationship != nil {
		r := t.ScheduleRelationship.tripRelationship()
		out.ScheduleRelationship = &r
	}
	return out
}

func jsonToVehicle(v *jsonVehicle) *VehicleDescriptor {
	if v == nil {
		return nil
	}
	return &VehicleDescriptor{ID: v.ID, Label: v.Label}
}

func jsonToStopTimeEvent(ev *jsonStopTimeEvent) *StopTimeEvent {
	if ev == nil {
		return nil
	}
	return &StopTimeEvent{
		Time:        ev.Time.int64(),
		Delay:       ev.Delay.int32(),
		Uncertainty: ev.Uncertainty.int32(),
	}
}

// flexInt accepts 123 and "123".
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", b)
	}
	*f = flexInt(v)
	return nil
}

func (f *flexInt) int64() *int64 {
	if f == nil {
		return nil
	}
	v := int64(*f)
	return &v
}

type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %s", b)
	}
	*f = flexUint(v)
	return nil
}

func (f *flexUint) time() *time.Time {
	if f == nil {
		return nil
	}
	t := time.Unix(int64(*f), 0).UTC()
	return &t
}

// flexInt32 and flexUint32 mirror the protobuf int32/uint32 fields; values
// outside the field's range are a decode error rather than wrapping.
type flexInt32 int32

func (f *flexInt32) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid int32 %s", b)
	}
	*f = flexInt32(v)
	return nil
}

func (f *flexInt32) int32() *int32 {
	if f == nil {
		return nil
	}
	v := int32(*f)
	return &v
}

type flexUint32 uint32

func (f *flexUint32) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid uint32 %s", b)
	}
	*f = flexUint32(v)
	return nil
}

func (f *flexUint32) uint32() *uint32 {
	if f == nil {
		return nil
	}
	v := uint32(*f)
	return &v
}

// flexEnum holds an enum given either by name or by number. The number is
// only meaningful once the enclosing field is known.
type flexEnum struct {
	name   string
	number *int
}

func (e *flexEnum) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.name)
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("invalid enum value %s", b)
	}
	e.number = &n
	return nil
}

func (e *flexEnum) stopStatus() VehicleStopStatus {
	if e.number == nil {
		return ParseVehicleStopStatus(e.name)
	}
	return ParseVehicleStopStatus(gtfsrt.VehiclePosition_VehicleStopStatus(*e.number).String())
}

func (e *flexEnum) tripRelationship() ScheduleRelationship {
	if e.number == nil {
		return ParseScheduleRelationship(e.name)
	}
	return ParseScheduleRelationship(gtfsrt.TripDescriptor_ScheduleRelationship(*e.number).String())
}

func (e *flexEnum) stopRelationship() ScheduleRelationship {
	if e.number == nil {
		return ParseScheduleRelationship(e.name)
	}
	return ParseScheduleRelationship(gtfsrt.TripUpdate_StopTimeUpdate_ScheduleRelationship(*e.number).String())
}
