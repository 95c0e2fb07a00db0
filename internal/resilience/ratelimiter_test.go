package resilience

import (
	"testing"
	"time"
)

func TestBucket_TryAcquire(t *testing.T) {
	b := NewBucket(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !b.TryAcquire() {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	if b.TryAcquire() {
		t.Error("acquire beyond capacity should fail")
	}
	if got := b.Tokens(); got != 0 {
		t.Errorf("Tokens() = %d, want 0", got)
	}
}

func TestBucket_WindowRefill(t *testing.T) {
	now := time.Now()
	b := NewBucket(2, time.Minute)
	b.SetClock(func() time.Time { return now })
	b.Reset()

	b.TryAcquire()
	b.TryAcquire()
	if b.TryAcquire() {
		t.Fatal("bucket should be exhausted")
	}

	// Mid-window: no partial refill.
	now = now.Add(30 * time.Second)
	if b.TryAcquire() {
		t.Error("no refill before the window rolls over")
	}

	now = now.Add(31 * time.Second)
	if !b.TryAcquire() {
		t.Error("full refill after window rollover")
	}
	if got := b.Tokens(); got != 1 {
		t.Errorf("Tokens() = %d, want 1", got)
	}
}

func TestBucket_Reset(t *testing.T) {
	b := NewBucket(1, time.Hour)
	if !b.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if b.TryAcquire() {
		t.Fatal("second acquire should fail")
	}

	b.Reset()
	if !b.TryAcquire() {
		t.Error("acquire after reset should succeed")
	}
}

func TestBucket_Accessors(t *testing.T) {
	b := NewBucket(7, time.Second)
	if b.Capacity() != 7 {
		t.Errorf("Capacity() = %d, want 7", b.Capacity())
	}
	if b.Window() != time.Second {
		t.Errorf("Window() = %v, want 1s", b.Window())
	}
}
