// Package natsnotify publishes incident notifications to NATS.
package natsnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gyaneshwarpardhi/soarflow/internal/clock"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "soarflow.incidents"

// Header names set on every message.
const (
	HeaderEvent    = "Soarflow-Event"
	HeaderIncident = "Soarflow-Incident"
)

// Publisher is the part of *nats.Conn the notifier uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Config for a Notifier.
type Config struct {
	SubjectPrefix string
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Message is the JSON body published for one incident event.
type Message struct {
	Event    string             `json:"event"`
	Incident *incident.Incident `json:"incident"`
	SentAt   time.Time          `json:"sent_at"`
}

// Notifier implements incident.Notifier on top of a NATS connection.
type Notifier struct {
	pub    Publisher
	prefix string
	clock  clock.Clock
	logger *slog.Logger
}

var _ incident.Notifier = (*Notifier)(nil)

// New creates a Notifier publishing through pub.
func New(pub Publisher, conf Config) *Notifier {
	if conf.SubjectPrefix == "" {
		conf.SubjectPrefix = DefaultSubjectPrefix
	}
	if conf.Logger == nil {
		conf.Logger = slog.Default()
	}
	return &Notifier{
		pub:    pub,
		prefix: strings.TrimSuffix(conf.SubjectPrefix, "."),
		clock:  clock.OrDefault(conf.Clock),
		logger: conf.Logger.With("component", "natsnotify"),
	}
}

// Subject returns the subject an event type is published on:
// "incident.sla_breached" becomes "<prefix>.sla_breached".
func (n *Notifier) Subject(eventType string) string {
	return n.prefix + "." + strings.TrimPrefix(eventType, "incident.")
}

// Notify publishes inc under the subject for eventType.
func (n *Notifier) Notify(ctx context.Context, inc *incident.Incident, eventType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(Message{Event: eventType, Incident: inc, SentAt: n.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := nats.NewMsg(n.Subject(eventType))
	msg.Data = body
	msg.Header.Set(HeaderEvent, eventType)
	msg.Header.Set(HeaderIncident, inc.ID)
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	n.logger.Debug("incident notification published", "subject", msg.Subject, "incident", inc.ID)
	return nil
}

// Connect dials url with reconnect handling that logs through logger.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("soarflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}
