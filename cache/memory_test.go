package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory(100, time.Minute)
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, found, err := m.Get(ctx, "k1")
	if err != nil || !found || string(val) != "v1" {
		t.Errorf("Get = %q, %v, %v", val, found, err)
	}

	if _, found, _ := m.Get(ctx, "missing"); found {
		t.Error("missing key reported found")
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(100, time.Minute)
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, found, _ := m.Get(ctx, "k1"); found {
		t.Error("expired entry reported found")
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory(100, time.Minute)
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "k1", []byte("v1"), time.Minute)
	m.Delete(ctx, "k1")
	if _, found, _ := m.Get(ctx, "k1"); found {
		t.Error("deleted key reported found")
	}
}

func TestMemoryMultiOps(t *testing.T) {
	m := NewMemory(100, time.Minute)
	defer m.Close()
	ctx := context.Background()

	items := map[string][]byte{"a": []byte("1"), "b": []byte("2")}
	if err := m.SetMultiple(ctx, items, time.Minute); err != nil {
		t.Fatalf("SetMultiple: %v", err)
	}

	got, err := m.GetMultiple(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetMultiple: %v", err)
	}
	if len(got) != 2 || string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Errorf("GetMultiple = %v", got)
	}
}

func TestMemorySweepEnforcesCap(t *testing.T) {
	m := NewMemory(5, time.Hour) // sweep manually
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Duration(i+1)*time.Minute)
	}
	m.sweep()

	count := 0
	m.data.Range(func(_, _ interface{}) bool { count++; return true })
	if count != 5 {
		t.Errorf("entries after sweep = %d, want 5", count)
	}
	// The soonest-to-expire entries go first.
	if _, found, _ := m.Get(ctx, "k0"); found {
		t.Error("k0 (closest to expiry) should be swept")
	}
	if _, found, _ := m.Get(ctx, "k9"); !found {
		t.Error("k9 (furthest from expiry) should survive")
	}
}

func TestMemoryCloseIdempotent(t *testing.T) {
	m := NewMemory(10, time.Minute)
	m.Close()
	m.Close()
}
