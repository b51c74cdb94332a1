package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeConn struct {
	msgs     []*nats.Msg
	fail     error
	drained  bool
	flushErr error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error { return f.flushErr }

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisherInjectsTraceContext(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(conn, "triage.")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	if err := p.Publish(ctx, TopicIncidents, map[string]string{"incident_id": "inc-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(conn.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(conn.msgs))
	}
	msg := conn.msgs[0]
	if msg.Subject != "triage.incidents" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	got := propagation.HeaderCarrier(msg.Header).Get("traceparent")
	if got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("unexpected traceparent %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(msg.Data, &body); err != nil || body["incident_id"] != "inc-1" {
		t.Fatalf("payload: %s %v", msg.Data, err)
	}
	if err := p.Close(); err != nil || !conn.drained {
		t.Fatalf("close should drain")
	}
}

func TestNATSPublisherWrapsFailures(t *testing.T) {
	boom := errors.New("no responders")
	p := newNATSPublisher(&fakeConn{fail: boom}, "")
	if err := p.Publish(context.Background(), TopicStatus, 1); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if p.Subject(TopicStatus) != "status" {
		t.Fatalf("empty prefix should not add a dot")
	}
}

func TestWriterPublisherWritesLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewWriterPublisher(&buf)
	_ = p.Publish(context.Background(), TopicForecasts, map[string]int{"n": 1})
	_ = p.Publish(context.Background(), TopicRetrain, map[string]int{"n": 2})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	var first Line
	if err := json.Unmarshal(lines[0], &first); err != nil || first.Topic != TopicForecasts || string(first.Event) != `{"n":1}` {
		t.Fatalf("line: %+v %v", first, err)
	}
}
