// Package publish delivers triage events to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Topics suffixed to the configured subject prefix.
const (
	TopicIncidents = "incidents"
	TopicForecasts = "forecasts"
	TopicStatus    = "status"
	TopicRetrain   = "retrain"
)

// Publisher sends one JSON event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

var propagator = propagation.TraceContext{}

// flushTimeout bounds the server round trip when ctx carries no deadline.
const flushTimeout = 5 * time.Second

type msgConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSPublisher publishes to NATS with W3C trace context headers.
type NATSPublisher struct {
	conn   msgConn
	prefix string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	log := utils.OrDefault(logger)
	nc, err := nats.Connect(url,
		nats.Name("mirador-triage"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, utils.NewAppError("publish.NewNATSPublisher", "connect "+url, err)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(conn msgConn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the full subject for topic.
func (p *NATSPublisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish marshals event, injects the trace context of ctx and waits for the
// server to acknowledge the flush.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: p.Subject(topic), Data: data, Header: hdr}
	if err := p.conn.PublishMsg(msg); err != nil {
		return utils.NewAppError("publish.NATS", "publish "+msg.Subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return utils.NewAppError("publish.NATS", "flush "+msg.Subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// LogPublisher logs every event; it is used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: utils.OrDefault(logger)}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	p.logger.InfoContext(ctx, "event published", slog.String("topic", topic), slog.String("event", string(data)))
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }

// Line is one event written by WriterPublisher.
type Line struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

// WriterPublisher writes events as JSON lines.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPublisher constructs a WriterPublisher.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

// Publish implements Publisher.
func (p *WriterPublisher) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	line, err := json.Marshal(Line{Topic: topic, Event: data})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(append(line, '\n'))
	return err
}

// Close implements Publisher.
func (p *WriterPublisher) Close() error { return nil }
