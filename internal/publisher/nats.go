package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
	Close()
}

type NATSPublisher struct {
	nc          conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
	PublishObserve(d time.Duration)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("movement-recorder"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(prefix), logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// MovementMessage is the JSON body published for every applied movement.
type MovementMessage struct {
	Kind      string    `json:"kind"`
	VehicleID string    `json:"vehicleId"`
	StopID    string    `json:"stopId"`
	At        time.Time `json:"at"`
}

// Subject returns <prefix>.<kind>.<vehicle>.<stop>.
func Subject(prefix string, msg MovementMessage) string {
	return fmt.Sprintf("%s.%s.%s.%s", subjectToken(prefix), subjectToken(msg.Kind), subjectToken(msg.VehicleID), subjectToken(msg.StopID))
}

// movementNS scopes message ids to this recorder.
var movementNS = uuid.NewSHA1(uuid.NameSpaceURL, []byte("movement-recorder"))

// MessageID derives the Nats-Msg-Id for msg from its kind, vehicle, stop and
// time. Publishing the same movement twice yields the same id, so a JetStream
// stream bound to the subject drops the second copy within its duplicate
// window.
func MessageID(msg MovementMessage) string {
	key := strings.Join([]string{msg.Kind, msg.VehicleID, msg.StopID, msg.At.UTC().Format(time.RFC3339Nano)}, "\x00")
	return uuid.NewSHA1(movementNS, []byte(key)).String()
}

// PublishMovement sends msg on Subject(prefix, msg) with a MessageID header.
func (p *NATSPublisher) PublishMovement(msg MovementMessage) error {
	subject := Subject(p.prefix, msg)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	m := nats.NewMsg(subject)
	m.Header.Set(nats.MsgIdHdr, MessageID(msg))
	m.Data = b
	start := time.Now()
	err = p.nc.PublishMsg(m)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
