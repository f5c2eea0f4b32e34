package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/usage"
)

type memStore struct {
	mu      sync.Mutex
	samples []usage.Sample
	closed  bool
}

func (m *memStore) Record(_ context.Context, s usage.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

func (m *memStore) Day(context.Context, uuid.UUID, string) (*usage.DayAggregate, error) {
	return &usage.DayAggregate{}, nil
}

func (m *memStore) History(context.Context, uuid.UUID, int) ([]usage.DayAggregate, error) {
	return nil, nil
}

func (m *memStore) Endpoints(context.Context, uuid.UUID) ([]usage.EndpointTotals, error) {
	return nil, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func TestCloseFlushesQueuedSamples(t *testing.T) {
	mem := &memStore{}
	store := New(mem, Config{BatchSize: 10, FlushInterval: time.Hour, ChannelBuffer: 100})

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if err := store.Record(ctx, usage.Sample{BotID: uuid.New(), Endpoint: "search"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := mem.count(); got != 25 {
		t.Fatalf("expected 25 flushed samples, got %d", got)
	}
	if !mem.closed {
		t.Fatalf("underlying store should be closed")
	}
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	mem := &memStore{}
	var drops int
	store := New(mem, Config{
		BatchSize:     1000,
		FlushInterval: time.Hour,
		ChannelBuffer: 1,
		OnDrop:        func() { drops++ },
	})
	t.Cleanup(func() { _ = store.Close() })

	// A single worker parked on the ticker leaves the buffer to fill; the
	// first sample may be picked up, so overfill well past capacity.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = store.Record(context.Background(), usage.Sample{BotID: uuid.New()})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Record blocked on full buffer")
	}
	if drops == 0 {
		t.Fatalf("expected at least one dropped sample")
	}
}

func TestPeriodicFlush(t *testing.T) {
	mem := &memStore{}
	store := New(mem, Config{BatchSize: 1000, FlushInterval: 20 * time.Millisecond, ChannelBuffer: 100})
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Record(context.Background(), usage.Sample{BotID: uuid.New()}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mem.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sample never flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
