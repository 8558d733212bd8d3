package detection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// SubjectPrefix is prepended to the detection kind to form the NATS subject.
const SubjectPrefix = "flock.detection."

// Publisher is the part of a NATS connection the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every detection as JSON on flock.detection.<kind>.
type NATSSink struct {
	pub    Publisher
	conn   *nats.Conn
	logger *logrus.Logger
}

// NewNATSSink publishes through pub.
func NewNATSSink(pub Publisher, logger *logrus.Logger) *NATSSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &NATSSink{pub: pub, logger: logger}
}

// DialNATS connects to url and returns a sink owning the connection.
func DialNATS(url string, logger *logrus.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	nc, err := nats.Connect(url,
		nats.Name("flockctl"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS %s: %w", url, err)
	}
	logger.WithField("url", nc.ConnectedUrl()).Info("Connected to NATS")

	s := NewNATSSink(nc, logger)
	s.conn = nc
	return s, nil
}

// Subject returns the subject a detection of kind is published on.
func Subject(kind Kind) string { return SubjectPrefix + string(kind) }

func (s *NATSSink) Alert(_ context.Context, d *Detection) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode detection: %w", err)
	}
	if err := s.pub.Publish(Subject(d.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(d.Kind), err)
	}
	return nil
}

// Close drains the connection opened by DialNATS.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
