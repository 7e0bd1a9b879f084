package delayqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wikinotify/pkg/digest"
)

type collector struct {
	mu     sync.Mutex
	got    []*digest.PendingDigest
	notify chan struct{}
	err    error
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) deliver(_ context.Context, pd *digest.PendingDigest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		c.notify <- struct{}{}
		return c.err
	}
	c.got = append(c.got, pd)
	c.notify <- struct{}{}
	return nil
}

func (c *collector) digests() []*digest.PendingDigest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*digest.PendingDigest, len(c.got))
	copy(out, c.got)
	return out
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.notify:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBurstMergesIntoOneDigest(t *testing.T) {
	c := newCollector()
	q := New(50*time.Millisecond, c.deliver, testLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.Enqueue("w1", 7, 100, base, false)
	q.Enqueue("w1", 7, 100, base.Add(2*time.Second), false)
	q.Enqueue("w1", 7, 100, base.Add(time.Second), true)
	q.Enqueue("w1", 7, 200, base, false)

	c.wait(t, 1)
	got := c.digests()
	if len(got) != 1 {
		t.Fatalf("got %d digests, want 1", len(got))
	}
	pd := got[0]
	if pd.TenantID != "w1" || pd.UserID != 7 {
		t.Errorf("digest for %s/%d, want w1/7", pd.TenantID, pd.UserID)
	}
	if len(pd.Entries) != 2 {
		t.Fatalf("entries = %d, want 2 pages", len(pd.Entries))
	}
	entry := pd.Entries[100]
	if !entry.LastEventTime.Equal(base.Add(2 * time.Second)) {
		t.Errorf("LastEventTime = %v, want latest event time", entry.LastEventTime)
	}
	if !entry.Delete {
		t.Errorf("delete flag lost in merge")
	}
	if pd.Entries[200].Delete {
		t.Errorf("delete flag bled onto the wrong page")
	}
}

func TestSeparateRecipientsSeparateDigests(t *testing.T) {
	c := newCollector()
	q := New(50*time.Millisecond, c.deliver, testLogger())

	now := time.Now()
	q.Enqueue("w1", 7, 100, now, false)
	q.Enqueue("w1", 8, 100, now, false)
	q.Enqueue("w2", 7, 100, now, false)

	c.wait(t, 3)
	if got := c.digests(); len(got) != 3 {
		t.Errorf("got %d digests, want one per (tenant, user)", len(got))
	}
}

func TestWindowAnchoredAtFirstEvent(t *testing.T) {
	c := newCollector()
	q := New(150*time.Millisecond, c.deliver, testLogger())

	start := time.Now()
	q.Enqueue("w1", 7, 100, start, false)
	time.Sleep(80 * time.Millisecond)
	// a late event must not push the window out
	q.Enqueue("w1", 7, 200, time.Now(), false)

	c.wait(t, 1)
	elapsed := time.Since(start)
	if elapsed > 400*time.Millisecond {
		t.Errorf("window took %v, late events must not extend it", elapsed)
	}
	got := c.digests()
	if len(got) != 1 || len(got[0].Entries) != 2 {
		t.Fatalf("got %v, want one digest with both pages", got)
	}
}

func TestNewWindowAfterFire(t *testing.T) {
	c := newCollector()
	q := New(40*time.Millisecond, c.deliver, testLogger())

	q.Enqueue("w1", 7, 100, time.Now(), false)
	c.wait(t, 1)
	q.Enqueue("w1", 7, 300, time.Now(), false)
	c.wait(t, 1)

	got := c.digests()
	if len(got) != 2 {
		t.Fatalf("got %d digests, want 2 across two windows", len(got))
	}
	if _, ok := got[1].Entries[300]; !ok || len(got[1].Entries) != 1 {
		t.Errorf("second digest entries = %v, want only page 300", got[1].Entries)
	}
}

func TestStopDrainsPendingOnce(t *testing.T) {
	c := newCollector()
	q := New(time.Hour, c.deliver, testLogger())

	q.Enqueue("w1", 7, 100, time.Now(), false)
	q.Enqueue("w1", 8, 100, time.Now(), false)
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 open windows", q.Len())
	}

	q.Stop(context.Background())
	if got := c.digests(); len(got) != 2 {
		t.Errorf("drain delivered %d digests, want 2", len(got))
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Stop, want 0", q.Len())
	}

	// events after Stop are dropped
	q.Enqueue("w1", 9, 100, time.Now(), false)
	if q.Len() != 0 {
		t.Errorf("stopped queue accepted an event")
	}
}

func TestDeliveryErrorDropsOnlyThatDigest(t *testing.T) {
	c := newCollector()
	c.err = errors.New("smtp down")
	q := New(30*time.Millisecond, c.deliver, testLogger())

	q.Enqueue("w1", 7, 100, time.Now(), false)
	c.wait(t, 1)
	if got := c.digests(); len(got) != 0 {
		t.Fatalf("failed delivery recorded digests: %v", got)
	}

	// the queue keeps working for later windows
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	q.Enqueue("w1", 7, 200, time.Now(), false)
	c.wait(t, 1)
	if got := c.digests(); len(got) != 1 {
		t.Errorf("got %d digests after recovery, want 1", len(got))
	}
}
