package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-triage/internal/ingest"
	"github.com/miradorstack/mirador-triage/internal/models"
)

type fakeList struct {
	mu    sync.Mutex
	items []string
}

func (f *fakeList) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx, "blpop")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		time.Sleep(time.Millisecond)
		cmd.SetErr(redis.Nil)
		return cmd
	}
	item := f.items[0]
	f.items = f.items[1:]
	cmd.SetVal([]string{keys[0], item})
	return cmd
}

func (f *fakeList) Close() error { return nil }

type fakeSink struct {
	mu       sync.Mutex
	fullOnce bool
	got      []models.IncidentRecord
	done     chan struct{}
	want     int
}

func (s *fakeSink) Submit(rec models.IncidentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fullOnce {
		s.fullOnce = false
		return models.ErrQueueFull
	}
	s.got = append(s.got, rec)
	if len(s.got) == s.want {
		close(s.done)
	}
	return nil
}

func TestConsumerRunSubmitsDecodedIncidents(t *testing.T) {
	list := &fakeList{items: []string{`{"id":"inc-1","alerttitle":"a"}`, `not json`, `{"id":"inc-2","alerttitle":"b"}`}}
	c, err := newConsumer(list, Config{Key: "triage:incidents"}, ingest.Decode, nil)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	c.retryDelay = time.Millisecond

	sink := &fakeSink{fullOnce: true, done: make(chan struct{}), want: 2}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, sink) }()

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for submissions")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if sink.got[0].ID != "inc-1" || sink.got[1].ID != "inc-2" {
		t.Fatalf("unexpected submissions %+v", sink.got)
	}
}

func TestPopEmptyList(t *testing.T) {
	c, err := newConsumer(&fakeList{}, Config{Key: "k"}, ingest.Decode, nil)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	raw, err := c.Pop(context.Background())
	if raw != nil || err != nil {
		t.Fatalf("expected empty pop, got %q %v", raw, err)
	}
}

func TestNewConsumerRequiresKey(t *testing.T) {
	if _, err := newConsumer(&fakeList{}, Config{}, ingest.Decode, nil); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if _, err := newConsumer(&fakeList{}, Config{Key: "k"}, nil, nil); err == nil {
		t.Fatalf("expected error for missing decoder")
	}
}
