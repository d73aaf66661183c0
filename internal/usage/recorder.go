package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joaniekitchen/backend/internal/apikey"
	"github.com/joaniekitchen/backend/internal/models"
)

// Spiller is an overflow path for events the in-process recorder cannot
// take: buffer full or recorder shutting down. The asynq client
// implements it so spilled events are written by the worker process
// instead of being lost.
type Spiller interface {
	SpillUsage(ev models.APIKeyUsage) error
}

// Recorder is the fire-and-forget usage sink: a bounded channel drained
// by one background goroutine. Enqueueing never blocks the request path;
// under sustained overload events spill to the queue (or drop, with a
// log line) rather than piling up unbounded writes.
type Recorder struct {
	svc    *apikey.Service
	events chan models.APIKeyUsage
	done   chan struct{}
	spill  Spiller // optional

	// mu orders sends against Close: Record sends under the read lock,
	// Close flips closed and closes the channel under the write lock, so
	// no send can hit a closed channel.
	mu     sync.RWMutex
	closed bool
}

const DefaultBufferSize = 1024

func NewRecorder(svc *apikey.Service, bufferSize int, spill Spiller) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	r := &Recorder{
		svc:    svc,
		events: make(chan models.APIKeyUsage, bufferSize),
		done:   make(chan struct{}),
		spill:  spill,
	}
	go r.drain()
	return r
}

// Record enqueues an event without blocking. After Close, or when the
// buffer is full, the event goes to the spill path.
func (r *Recorder) Record(ev models.APIKeyUsage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.overflow(ev, "recorder closed")
		return
	}
	select {
	case r.events <- ev:
	default:
		r.overflow(ev, "buffer full")
	}
}

func (r *Recorder) overflow(ev models.APIKeyUsage, cause string) {
	if r.spill != nil {
		if err := r.spill.SpillUsage(ev); err != nil {
			slog.Warn("usage spill failed", "cause", cause, "key_id", ev.APIKeyID, "error", err)
		}
		return
	}
	slog.Warn("usage event dropped", "cause", cause, "key_id", ev.APIKeyID, "endpoint", ev.Endpoint)
}

func (r *Recorder) drain() {
	defer close(r.done)
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.svc.RecordUsage(ctx, &ev); err != nil {
			// Logged, never propagated: analytics must not fail requests.
			slog.Warn("record usage failed", "key_id", ev.APIKeyID, "error", err)
		}
		cancel()
	}
}

// Close stops intake and waits for buffered events to flush, up to the
// context deadline. Events arriving after Close spill.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		slog.Warn("usage recorder shutdown timed out, events may be unflushed")
		return ctx.Err()
	}
}
