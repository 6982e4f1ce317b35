package nonce

import (
	"context"
	"testing"
	"time"
)

func TestMemoryConsumeOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.Consume(ctx, "n-1", time.Minute)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if !ok {
		t.Fatalf("first consume should succeed")
	}

	ok, err = m.Consume(ctx, "n-1", time.Minute)
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if ok {
		t.Fatalf("replayed nonce should be rejected")
	}

	if len(m.seen) != 1 {
		t.Fatalf("want 1 tracked nonce, got %d", len(m.seen))
	}
}

func TestMemoryConsumeAfterExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory()
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.Consume(ctx, "n-2", time.Minute); !ok {
		t.Fatalf("first consume should succeed")
	}

	now = now.Add(2 * time.Minute)
	ok, err := m.Consume(ctx, "n-2", time.Minute)
	if err != nil {
		t.Fatalf("consume after expiry: %v", err)
	}
	if !ok {
		t.Fatalf("expired nonce should be consumable again")
	}
}

func TestMemoryPurge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory()
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < purgeN-1; i++ {
		m.Consume(ctx, string(rune('a'+i%26))+string(rune('0'+i/26)), time.Second)
	}
	now = now.Add(time.Hour)
	// The purgeN-th use triggers the sweep.
	m.Consume(ctx, "fresh", time.Minute)

	if len(m.seen) != 1 {
		t.Fatalf("want only the fresh nonce after purge, got %d entries", len(m.seen))
	}
}
