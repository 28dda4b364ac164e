package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Processor queues evaluation events and delivers them in batches.
type Processor interface {
	// Record queues an event without blocking
	Record(event FeatureEvent)

	// Flush delivers everything queued so far
	Flush(ctx context.Context) error

	// Reset rebuilds the delivery transport, keeping queued events
	Reset() error

	// Close stops accepting events; later records are counted as dropped
	Close() error

	Stats() Stats
}

// Stats counts processor activity.
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Queued   int    `json:"queued"`
}

// BufferedProcessor holds events in a bounded channel. A full or closed
// queue drops the event.
type BufferedProcessor struct {
	queue     chan FeatureEvent
	publisher Publisher
	batchSize int

	flushMu sync.Mutex
	closed  atomic.Bool

	recorded atomic.Uint64
	dropped  atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
}

// NewBufferedProcessor creates a processor holding at most capacity
// events.
func NewBufferedProcessor(publisher Publisher, capacity int) *BufferedProcessor {
	if capacity <= 0 {
		capacity = 1
	}
	return &BufferedProcessor{
		queue:     make(chan FeatureEvent, capacity),
		publisher: publisher,
		batchSize: capacity,
	}
}

func (p *BufferedProcessor) Record(event FeatureEvent) {
	p.recorded.Add(1)
	if p.closed.Load() {
		p.dropped.Add(1)
		return
	}

	select {
	case p.queue <- event:
	default:
		p.dropped.Add(1)
	}
}

// Flush drains the queue into one batch and publishes it. A failed batch is
// counted and discarded.
func (p *BufferedProcessor) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	batch := p.drain()
	if len(batch) == 0 {
		return nil
	}

	if err := p.publisher.Publish(ctx, batch); err != nil {
		p.failed.Add(uint64(len(batch)))
		return err
	}
	p.sent.Add(uint64(len(batch)))
	return nil
}

func (p *BufferedProcessor) drain() []FeatureEvent {
	var batch []FeatureEvent
	for len(batch) < p.batchSize {
		select {
		case e := <-p.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (p *BufferedProcessor) Reset() error {
	return p.publisher.Reset()
}

func (p *BufferedProcessor) Close() error {
	p.closed.Store(true)
	return p.publisher.Close()
}

func (p *BufferedProcessor) Stats() Stats {
	return Stats{
		Recorded: p.recorded.Load(),
		Dropped:  p.dropped.Load(),
		Sent:     p.sent.Load(),
		Failed:   p.failed.Load(),
		Queued:   len(p.queue),
	}
}

// NullProcessor discards events. Used when analytics are disabled.
type NullProcessor struct{}

func NewNullProcessor() *NullProcessor { return &NullProcessor{} }

func (NullProcessor) Record(FeatureEvent)             {}
func (NullProcessor) Flush(ctx context.Context) error { return nil }
func (NullProcessor) Reset() error                    { return nil }
func (NullProcessor) Close() error                    { return nil }
func (NullProcessor) Stats() Stats                    { return Stats{} }

var (
	_ Processor = (*BufferedProcessor)(nil)
	_ Processor = NullProcessor{}
)
