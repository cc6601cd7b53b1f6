package publisher

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	msg := MovementMessage{Kind: "arrived", VehicleID: "y1234", StopID: "place-sstat"}
	assert.Equal(t, "movements.arrived.y1234.place-sstat", Subject("movements", msg))
}

func TestSubject_SanitizesTokens(t *testing.T) {
	msg := MovementMessage{Kind: "departed", VehicleID: "G 10.3", StopID: ""}
	assert.Equal(t, "rec_x.departed.G_10_3._", Subject(" rec.x ", msg))
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"70061":      "70061",
		"a b":        "a_b",
		"a.b":        "a_b",
		">":          "_",
		"*":          "_",
		"BNT/01":     "BNT_01",
		"  ":         "_",
		"\tNEC-2287": "NEC-2287",
	}
	for in, want := range tests {
		assert.Equal(t, want, subjectToken(in), "input %q", in)
	}
}

func TestMovementMessageJSON(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	b, err := json.Marshal(MovementMessage{Kind: "arrived", VehicleID: "v1", StopID: "A", At: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"arrived","vehicleId":"v1","stopId":"A","at":"2026-02-03T04:05:06Z"}`, string(b))
}

func TestMessageID_StablePerMovement(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 7000, time.UTC)
	msg := MovementMessage{Kind: "arrived", VehicleID: "v1", StopID: "A", At: at}

	id := MessageID(msg)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, MessageID(msg))
	assert.Equal(t, id, MessageID(MovementMessage{Kind: "arrived", VehicleID: "v1", StopID: "A", At: at.In(time.FixedZone("EST", -5*3600))}),
		"same instant in another zone")

	others := []MovementMessage{
		{Kind: "departed", VehicleID: "v1", StopID: "A", At: at},
		{Kind: "arrived", VehicleID: "v2", StopID: "A", At: at},
		{Kind: "arrived", VehicleID: "v1", StopID: "B", At: at},
		{Kind: "arrived", VehicleID: "v1", StopID: "A", At: at.Add(time.Microsecond)},
		{Kind: "arrived", VehicleID: "v1A", StopID: "", At: at},
	}
	for _, o := range others {
		assert.NotEqual(t, id, MessageID(o), "%+v", o)
	}
}

type fakeConn struct {
	sent []*nats.Msg
	err  error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.sent = append(f.sent, m)
	return f.err
}
func (f *fakeConn) Drain() error { return nil }
func (f *fakeConn) Close()       {}

type countingMetrics struct {
	published, errs, observed int
}

func (c *countingMetrics) NATSPublishedInc()              { c.published++ }
func (c *countingMetrics) NATSPublishErrInc()             { c.errs++ }
func (c *countingMetrics) NATSSetConnected(bool)          {}
func (c *countingMetrics) PublishObserve(d time.Duration) { c.observed++ }

func TestPublishMovement(t *testing.T) {
	fc := &fakeConn{}
	m := &countingMetrics{}
	p := &NATSPublisher{nc: fc, prefix: "movements", metrics: m}
	msg := MovementMessage{Kind: "arrived", VehicleID: "v1", StopID: "A", At: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)}

	require.NoError(t, p.PublishMovement(msg))
	require.NoError(t, p.PublishMovement(msg))

	require.Len(t, fc.sent, 2)
	assert.Equal(t, "movements.arrived.v1.A", fc.sent[0].Subject)
	assert.Equal(t, MessageID(msg), fc.sent[0].Header.Get(nats.MsgIdHdr))
	assert.Equal(t, fc.sent[0].Header.Get(nats.MsgIdHdr), fc.sent[1].Header.Get(nats.MsgIdHdr), "a republish carries the same id")
	assert.JSONEq(t, `{"kind":"arrived","vehicleId":"v1","stopId":"A","at":"2026-02-03T04:05:06Z"}`, string(fc.sent[0].Data))
	assert.Equal(t, 2, m.published)
	assert.Equal(t, 2, m.observed)
	assert.Zero(t, m.errs)
}

func TestPublishMovement_Error(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	m := &countingMetrics{}
	p := &NATSPublisher{nc: fc, prefix: "movements", metrics: m}

	err := p.PublishMovement(MovementMessage{Kind: "departed", VehicleID: "v1", StopID: "A"})

	assert.Error(t, err)
	assert.Equal(t, 1, m.errs)
	assert.Equal(t, 1, m.observed)
	assert.Zero(t, m.published)
}
