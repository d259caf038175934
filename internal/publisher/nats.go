package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"metrorail-tracker/internal/logger"
	"metrorail-tracker/internal/rail"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	log         logger.Logger
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, log logger.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("metrorail-tracker"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(prefix), logSubjects: logSubjects, metrics: m, log: log}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

func (p *NATSPublisher) subject(parts ...string) string {
	tokens := make([]string, 0, len(parts)+1)
	tokens = append(tokens, p.prefix)
	for _, s := range parts {
		tokens = append(tokens, subjectToken(s))
	}
	return strings.Join(tokens, ".")
}

// PublishSnapshot sends the train map on <prefix>.trains.snapshot and the
// station boards on <prefix>.stations.snapshot.
func (p *NATSPublisher) PublishSnapshot(ctx context.Context, snap *rail.Snapshot) error {
	err := p.publish(p.subject("trains", "snapshot"), snapshotMessage{At: snap.At, Data: snap.Trains})
	err = errors.Join(err, p.publish(p.subject("stations", "snapshot"), snapshotMessage{At: snap.At, Data: snap.Stations}))
	if len(snap.DelayStatus) > 0 {
		err = errors.Join(err, p.publish(p.subject("delays", "snapshot"), snapshotMessage{At: snap.At, Data: snap.DelayStatus}))
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// WriteEvents sends each non-empty kind on <prefix>.events.<kind>.
func (p *NATSPublisher) WriteEvents(ctx context.Context, at time.Time, events *rail.Events) error {
	var err error
	for kind, payload := range events.ByKind() {
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		err = errors.Join(err, p.publish(p.subject("events", kind), snapshotMessage{At: at, Data: payload}))
	}
	return err
}

type snapshotMessage struct {
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

func (p *NATSPublisher) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.log.Debug("nats publish", "subject", subject, "bytes", len(b))
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
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
