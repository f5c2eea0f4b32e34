// Package async wraps a usage.Store with non-blocking buffered writes so the
// metered hot path never waits on the analytics database.
// WARNING: samples may be lost if the process crashes before flushing.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/usage"
)

// Store wraps a usage.Store with asynchronous batch writes.
type Store struct {
	underlying    usage.Store
	sampleChan    chan usage.Sample
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	logger        *log.Logger
	onDrop        func()
}

// Config configures the async recorder behavior.
type Config struct {
	BatchSize     int           // Maximum samples per flush (default: 100)
	FlushInterval time.Duration // Maximum time between flushes (default: 1s)
	ChannelBuffer int           // Channel buffer size (default: 10000)
	NumWorkers    int           // Number of parallel batch writers (default: 1)
	Logger        *log.Logger   // Optional logger for diagnostics
	OnDrop        func()        // Optional hook invoked when a full buffer drops a sample
}

// New wraps an existing usage store with async batch writing.
func New(underlying usage.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	s := &Store{
		underlying:    underlying,
		sampleChan:    make(chan usage.Sample, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
		onDrop:        cfg.OnDrop,
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.batchWriter(i)
	}

	if s.logger != nil {
		s.logger.Printf("[async-usage] started %d worker(s), batch_size=%d, flush_interval=%v, buffer=%d",
			cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer)
	}

	return s
}

func (s *Store) batchWriter(workerID int) {
	defer s.wg.Done()

	batch := make([]usage.Sample, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, smp := range batch {
			if err := s.underlying.Record(ctx, smp); err != nil {
				if s.logger != nil {
					s.logger.Printf("[async-usage] worker-%d ERROR writing sample: %v", workerID, err)
				}
				// Keep flushing the rest of the batch.
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case smp := <-s.sampleChan:
			batch = append(batch, smp)
			if len(batch) >= s.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.stopChan:
			// Drain remaining samples.
			for {
				select {
				case smp := <-s.sampleChan:
					batch = append(batch, smp)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Record queues a sample for asynchronous writing (non-blocking). A full
// buffer drops the sample; usage is best-effort relative to the charge.
func (s *Store) Record(_ context.Context, smp usage.Sample) error {
	select {
	case s.sampleChan <- smp:
		return nil
	default:
		if s.logger != nil {
			s.logger.Printf("[async-usage] WARNING: channel full, dropping sample")
		}
		if s.onDrop != nil {
			s.onDrop()
		}
		return nil
	}
}

// Day delegates to the underlying store (blocking operation).
func (s *Store) Day(ctx context.Context, botID uuid.UUID, day string) (*usage.DayAggregate, error) {
	return s.underlying.Day(ctx, botID, day)
}

// History delegates to the underlying store (blocking operation).
func (s *Store) History(ctx context.Context, botID uuid.UUID, days int) ([]usage.DayAggregate, error) {
	return s.underlying.History(ctx, botID, days)
}

// Endpoints delegates to the underlying store (blocking operation).
func (s *Store) Endpoints(ctx context.Context, botID uuid.UUID) ([]usage.EndpointTotals, error) {
	return s.underlying.Endpoints(ctx, botID)
}

// Close flushes remaining samples and closes the underlying store.
func (s *Store) Close() error {
	close(s.stopChan)
	s.wg.Wait()
	return s.underlying.Close()
}
