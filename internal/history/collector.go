package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist booking events.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, events []BookingEvent) error
}

// FlushStats receives collector statistics. Implementations must be safe for
// concurrent use.
type FlushStats interface {
	SetHistoryBufferSize(n int)
	ObserveHistoryFlush(status string, seconds float64, events int)
}

// Collector buffers booking events in memory and flushes them to the store in
// batches, so the booking hot path never waits on the audit write. It is safe
// for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []BookingEvent
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	stats         FlushStats
	done          chan struct{}
}

// NewCollector creates a Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]BookingEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetStats attaches a stats sink. Must be called before Start; a nil sink
// disables reporting.
func (c *Collector) SetStats(stats FlushStats) {
	c.stats = stats
}

// Start begins a background goroutine that flushes buffered events on a
// timer. It blocks until Stop is called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a booking event to the buffer. If the buffer reaches
// batchSize, a flush is triggered immediately.
func (c *Collector) Record(ev BookingEvent) {
	c.mu.Lock()
	c.buffer = append(c.buffer, ev)
	buffered := len(c.buffer)
	c.mu.Unlock()

	if c.stats != nil {
		c.stats.SetHistoryBufferSize(buffered)
	}
	if buffered >= c.batchSize {
		c.flush()
	}
}

// flush drains all buffered events and writes them to the store. Errors are
// logged rather than returned so the booking path is never blocked; a lost
// audit batch does not affect balances.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]BookingEvent, 0, c.batchSize)
	c.mu.Unlock()

	if c.stats != nil {
		c.stats.SetHistoryBufferSize(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	if err != nil {
		slog.Error("failed to flush booking events", "count", len(batch), "error", err)
	}
	if c.stats != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.stats.ObserveHistoryFlush(status, time.Since(start).Seconds(), len(batch))
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	close(c.done)
}
