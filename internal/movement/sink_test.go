package movement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movement-recorder/internal/publisher"
	"movement-recorder/internal/tracker"
)

type pair struct{ vehicle, stop string }

type occupancy struct {
	arrivedAt, departedAt *time.Time
}

type predictionRow struct {
	fileAt                         time.Time
	vehicle, stop                  string
	actualArriveAt, actualDepartAt *time.Time
}

// memStore mirrors the SQL in internal/db closely enough to check the
// sink's observable effects.
type memStore struct {
	movements   map[pair]*occupancy
	predictions []*predictionRow
	fail        map[string]error
	calls       []string
}

func newMemStore() *memStore {
	return &memStore{movements: map[pair]*occupancy{}, fail: map[string]error{}}
}

func (m *memStore) addPrediction(fileAt time.Time, vehicle, stop string) *predictionRow {
	p := &predictionRow{fileAt: fileAt, vehicle: vehicle, stop: stop}
	m.predictions = append(m.predictions, p)
	return p
}

func (m *memStore) UpsertArrival(_ context.Context, vehicle, stop string, at time.Time) (int64, error) {
	m.calls = append(m.calls, "upsert_arrival")
	if err := m.fail["upsert_arrival"]; err != nil {
		return 0, err
	}
	m.movements[pair{vehicle, stop}] = &occupancy{arrivedAt: &at}
	return 1, nil
}

func (m *memStore) MarkDeparted(_ context.Context, vehicle, stop string, at time.Time) (int64, error) {
	m.calls = append(m.calls, "mark_departed")
	if err := m.fail["mark_departed"]; err != nil {
		return 0, err
	}
	o, ok := m.movements[pair{vehicle, stop}]
	if !ok || o.arrivedAt == nil || o.departedAt != nil {
		return 0, nil
	}
	o.departedAt = &at
	return 1, nil
}

func (m *memStore) FillActualArrivals(_ context.Context, vehicle, stop string, at time.Time) (int64, error) {
	m.calls = append(m.calls, "fill_actual_arrivals")
	if err := m.fail["fill_actual_arrivals"]; err != nil {
		return 0, err
	}
	var n int64
	for _, p := range m.predictions {
		if p.vehicle == vehicle && p.stop == stop && p.actualArriveAt == nil {
			p.actualArriveAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memStore) FillActualDepartures(_ context.Context, vehicle, stop string, at time.Time) (int64, error) {
	m.calls = append(m.calls, "fill_actual_departures")
	if err := m.fail["fill_actual_departures"]; err != nil {
		return 0, err
	}
	var n int64
	for _, p := range m.predictions {
		if p.vehicle == vehicle && p.stop == stop && p.actualDepartAt == nil {
			p.actualDepartAt = &at
			n++
		}
	}
	return n, nil
}

type recordingPublisher struct {
	msgs []publisher.MovementMessage
	err  error
}

func (r *recordingPublisher) PublishMovement(msg publisher.MovementMessage) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

type countingMetrics struct {
	movements map[string]int
	errs      map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{movements: map[string]int{}, errs: map[string]int{}}
}

func (c *countingMetrics) MovementInc(kind string) { c.movements[kind]++ }
func (c *countingMetrics) PersistErrInc(op string) { c.errs[op]++ }

var t0 = time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

func TestArrivedThenDeparted(t *testing.T) {
	store := newMemStore()
	sink := NewSink(store, nil, nil)
	ctx := context.Background()

	sink.Arrived(ctx, "v1", "A", t0)
	o := store.movements[pair{"v1", "A"}]
	require.NotNil(t, o)
	assert.Equal(t, t0, *o.arrivedAt)
	assert.Nil(t, o.departedAt)

	sink.Departed(ctx, "v1", "A", t0.Add(time.Minute))
	assert.Equal(t, t0.Add(time.Minute), *o.departedAt)
}

func TestRearrivalResetsDeparture(t *testing.T) {
	store := newMemStore()
	sink := NewSink(store, nil, nil)
	ctx := context.Background()

	sink.Arrived(ctx, "v1", "A", t0)
	sink.Departed(ctx, "v1", "A", t0.Add(time.Minute))
	sink.Arrived(ctx, "v1", "A", t0.Add(time.Hour))

	o := store.movements[pair{"v1", "A"}]
	assert.Equal(t, t0.Add(time.Hour), *o.arrivedAt)
	assert.Nil(t, o.departedAt)
}

func TestDepartedWithoutArrivalLeavesMovementsAlone(t *testing.T) {
	store := newMemStore()
	p := store.addPrediction(t0, "v1", "A")
	sink := NewSink(store, nil, nil)

	sink.Departed(context.Background(), "v1", "A", t0)

	assert.Empty(t, store.movements)
	require.NotNil(t, p.actualDepartAt, "predictions are stamped even without a recorded arrival")
	assert.Equal(t, t0, *p.actualDepartAt)
}

func TestSecondDepartureDoesNotMoveTimestamp(t *testing.T) {
	store := newMemStore()
	sink := NewSink(store, nil, nil)
	ctx := context.Background()

	sink.Arrived(ctx, "v1", "A", t0)
	sink.Departed(ctx, "v1", "A", t0.Add(time.Minute))
	sink.Departed(ctx, "v1", "A", t0.Add(2*time.Minute))

	assert.Equal(t, t0.Add(time.Minute), *store.movements[pair{"v1", "A"}].departedAt)
}

func TestFanOutAcrossBatchesIsMonotonic(t *testing.T) {
	store := newMemStore()
	b1 := store.addPrediction(t0, "v1", "A")
	b2 := store.addPrediction(t0.Add(time.Minute), "v1", "A")
	other := store.addPrediction(t0, "v2", "A")
	sink := NewSink(store, nil, nil)
	ctx := context.Background()

	arrive := t0.Add(5 * time.Minute)
	sink.Arrived(ctx, "v1", "A", arrive)
	for _, p := range []*predictionRow{b1, b2} {
		require.NotNil(t, p.actualArriveAt)
		assert.Equal(t, arrive, *p.actualArriveAt)
	}
	assert.Nil(t, other.actualArriveAt)

	// a later arrival only reaches rows that were still open
	b3 := store.addPrediction(t0.Add(10*time.Minute), "v1", "A")
	again := t0.Add(20 * time.Minute)
	sink.Arrived(ctx, "v1", "A", again)
	assert.Equal(t, arrive, *b1.actualArriveAt)
	assert.Equal(t, arrive, *b2.actualArriveAt)
	assert.Equal(t, again, *b3.actualArriveAt)

	depart := t0.Add(21 * time.Minute)
	sink.Departed(ctx, "v1", "A", depart)
	sink.Departed(ctx, "v1", "A", depart.Add(time.Minute))
	for _, p := range []*predictionRow{b1, b2, b3} {
		assert.Equal(t, depart, *p.actualDepartAt)
	}
}

func TestPersistFailureDoesNotBlockFollowingWrites(t *testing.T) {
	store := newMemStore()
	store.fail["upsert_arrival"] = errors.New("connection reset")
	p := store.addPrediction(t0, "v1", "A")
	pub := &recordingPublisher{}
	m := newCountingMetrics()
	sink := NewSink(store, pub, m)

	sink.Apply(context.Background(), []tracker.Event{
		{Kind: tracker.Arrived, VehicleID: "v1", StopID: "A"},
		{Kind: tracker.Departed, VehicleID: "v2", StopID: "B"},
	}, t0)

	assert.Equal(t, []string{"upsert_arrival", "fill_actual_arrivals", "mark_departed", "fill_actual_departures"}, store.calls)
	require.NotNil(t, p.actualArriveAt)
	assert.Equal(t, 1, m.errs["upsert_arrival"])
	assert.Equal(t, 1, m.movements["arrived"])
	assert.Equal(t, 1, m.movements["departed"])
	assert.Len(t, pub.msgs, 2)
}

func TestApplyPublishesEachEvent(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{err: errors.New("nats down")}
	sink := NewSink(store, pub, nil)

	sink.Apply(context.Background(), []tracker.Event{
		{Kind: tracker.Arrived, VehicleID: "v1", StopID: "A"},
		{Kind: tracker.Departed, VehicleID: "v1", StopID: "A"},
	}, t0)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, publisher.MovementMessage{Kind: "arrived", VehicleID: "v1", StopID: "A", At: t0}, pub.msgs[0])
	assert.Equal(t, "departed", pub.msgs[1].Kind)
	// publish errors do not affect persistence
	assert.NotNil(t, store.movements[pair{"v1", "A"}].departedAt)
}

func TestApplyEmpty(t *testing.T) {
	store := newMemStore()
	NewSink(store, nil, nil).Apply(context.Background(), nil, t0)
	assert.Empty(t, store.calls)
}
