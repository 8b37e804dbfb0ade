package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/you/chatwarden/internal/core"
)

func descriptor(trigger string, at time.Time) core.ActionDescriptor {
	return core.ActionDescriptor{
		CreatorID:  "creator-1",
		Platform:   core.PlatformTwitch,
		TriggerID:  trigger,
		ActionType: "chat_reply",
		Payload:    map[string]string{"text": "pong"},
		EmittedAt:  at,
	}
}

func TestSQLiteJournalEmitAndList(t *testing.T) {
	j, err := OpenSQLite(filepath.Join(t.TempDir(), "actions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, trigger := range []string{"t1", "t2", "t3"} {
		if err := j.Emit(ctx, descriptor(trigger, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("emit %s: %v", trigger, err)
		}
	}

	n, err := j.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("count %d err %v", n, err)
	}

	recent, err := j.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent %d want 2", len(recent))
	}
	if recent[0].TriggerID != "t3" || recent[1].TriggerID != "t2" {
		t.Fatalf("order %s, %s want t3, t2", recent[0].TriggerID, recent[1].TriggerID)
	}
	if recent[0].Payload["text"] != "pong" {
		t.Fatalf("payload %v", recent[0].Payload)
	}
	if !recent[0].EmittedAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("emitted_at %s", recent[0].EmittedAt)
	}
}

func TestSQLiteJournalTuningEnabled(t *testing.T) {
	t.Setenv("CW_SQLITE_TUNING", "1")
	j, err := OpenSQLite(filepath.Join(t.TempDir(), "actions.db"))
	if err != nil {
		t.Fatalf("open with tuning: %v", err)
	}
	defer j.Close()

	if err := j.Emit(context.Background(), descriptor("t1", time.Now().UTC())); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if n, err := j.Count(context.Background()); err != nil || n != 1 {
		t.Fatalf("count %d err %v", n, err)
	}
}

func TestSQLiteJournalEmptyPayload(t *testing.T) {
	j, err := OpenSQLite(filepath.Join(t.TempDir(), "actions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	d := descriptor("t1", time.Now().UTC())
	d.Payload = nil
	if err := j.Emit(context.Background(), d); err != nil {
		t.Fatalf("emit: %v", err)
	}
	out, err := j.ListRecent(context.Background(), 1)
	if err != nil || len(out) != 1 {
		t.Fatalf("list %v err %v", out, err)
	}
	if len(out[0].Payload) != 0 {
		t.Fatalf("payload %v want empty", out[0].Payload)
	}
}

type captureSink struct {
	mu   sync.Mutex
	got  []core.ActionDescriptor
	fail error
}

func (c *captureSink) Emit(ctx context.Context, d core.ActionDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, d)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestBufferedSinkFlushesOnBatchSize(t *testing.T) {
	base := &captureSink{}
	b := NewBufferedSink(base, BufferedOptions{BatchSize: 3})

	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		if err := b.Emit(ctx, descriptor("t1", now)); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if n := base.count(); n != 0 {
		t.Fatalf("flushed %d before batch filled", n)
	}
	if err := b.Emit(ctx, descriptor("t1", now)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if n := base.count(); n != 3 {
		t.Fatalf("flushed %d want 3", n)
	}
}

func TestBufferedSinkFlushInterval(t *testing.T) {
	base := &captureSink{}
	b := NewBufferedSink(base, BufferedOptions{BatchSize: 100, FlushInterval: 30 * time.Millisecond})

	if err := b.Emit(context.Background(), descriptor("t1", time.Now().UTC())); err != nil {
		t.Fatalf("emit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for base.count() != 1 {
		select {
		case <-deadline:
			t.Fatalf("interval flush never happened, wrote %d", base.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBufferedSinkCloseFlushesAndRejects(t *testing.T) {
	base := &captureSink{}
	b := NewBufferedSink(base, BufferedOptions{BatchSize: 100})

	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		if err := b.Emit(ctx, descriptor("t1", now)); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := base.count(); n != 4 {
		t.Fatalf("close flushed %d want 4", n)
	}
	if err := b.Emit(ctx, descriptor("t1", now)); err == nil {
		t.Fatal("emit accepted after close")
	}
}

func TestBufferedSinkTimerErrorSurfacesOnNextEmit(t *testing.T) {
	base := &captureSink{fail: errors.New("disk full")}
	b := NewBufferedSink(base, BufferedOptions{BatchSize: 100, FlushInterval: 20 * time.Millisecond})

	ctx := context.Background()
	if err := b.Emit(ctx, descriptor("t1", time.Now().UTC())); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	err := b.Emit(ctx, descriptor("t1", time.Now().UTC()))
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("pending flush error not surfaced, got %v", err)
	}
}
