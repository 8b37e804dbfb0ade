package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/you/chatwarden/internal/core"
)

// BufferedSink batches descriptors in front of a slower sink. A flush
// happens when the batch fills or the flush interval elapses, whichever
// comes first. Flush errors from the timer path surface on the next
// Emit call.
type BufferedSink struct {
	base          core.ActionSink
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []core.ActionDescriptor
	timer   *time.Timer
	closed  bool
	lastErr error
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewBufferedSink(base core.ActionSink, opts BufferedOptions) *BufferedSink {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &BufferedSink{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

func (b *BufferedSink) Emit(ctx context.Context, d core.ActionDescriptor) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("buffered sink closed")
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	b.buffer = append(b.buffer, d)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}

	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}

	batch := append([]core.ActionDescriptor(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.emitAll(ctx, batch); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedSink) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	batch := append([]core.ActionDescriptor(nil), b.buffer...)
	b.buffer = nil
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		if err := b.emitAll(context.Background(), batch); err != nil {
			return err
		}
	}
	return pendingErr
}

func (b *BufferedSink) onTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buffer) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	batch := append([]core.ActionDescriptor(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	b.timer = nil
	b.mu.Unlock()

	if err := b.emitAll(context.Background(), batch); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *BufferedSink) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedSink) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *BufferedSink) emitAll(ctx context.Context, batch []core.ActionDescriptor) error {
	for _, d := range batch {
		if err := b.base.Emit(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
