// Package events forwards session events from the in-process bus to NATS.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultSubjectPrefix = "webpilot.sessions"

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the JSON body of every forwarded message.
type Envelope struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Type      agent.EventType `json:"type"`
	Payload   interface{}     `json:"payload,omitempty"`
}

// Forwarder relays bus events to `<prefix>.<session_id>.<event_type>`.
type Forwarder struct {
	bus    *agent.EventBus
	pub    Publisher
	prefix string
	logger *zap.Logger
}

// NewForwarder creates a forwarder. An empty prefix uses "webpilot.sessions".
func NewForwarder(bus *agent.EventBus, pub Publisher, prefix string, logger *zap.Logger) *Forwarder {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &Forwarder{bus: bus, pub: pub, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject an event is published on.
func (f *Forwarder) Subject(ev agent.Event) string {
	return fmt.Sprintf("%s.%s.%s", f.prefix, subjectToken(ev.SessionID), subjectToken(string(ev.Type)))
}

// Run forwards events until ctx is done or the bus shuts down. Publish failures are logged and
// do not stop the forwarder.
func (f *Forwarder) Run(ctx context.Context) error {
	ch, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	f.logger.Info("Forwarding session events.", zap.String("prefix", f.prefix))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			f.forward(ev)
		}
	}
}

func (f *Forwarder) forward(ev agent.Event) {
	data, err := json.Marshal(Envelope{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		SessionID: ev.SessionID,
		Type:      ev.Type,
		Payload:   ev.Payload,
	})
	if err != nil {
		f.logger.Warn("Failed to encode event.", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return
	}
	subject := f.Subject(ev)
	if err := f.pub.Publish(subject, data); err != nil {
		f.logger.Warn("Failed to publish event.", zap.String("subject", subject), zap.Error(err))
	}
}

// subjectToken makes s safe to use as one NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Connect dials the configured NATS server and keeps reconnecting in the background.
func Connect(cfg config.EventsConfig, logger *zap.Logger) (*nats.Conn, error) {
	log := logger.Named("nats")
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("webpilot"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS.", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("Reconnected to NATS.", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
