package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestGetHitsBeforeExpiry(t *testing.T) {
	c := New[string, string](Config{}, nil, nil)
	c.Put("k1", "v1", 100*time.Millisecond, 0)

	v, ok := c.Get("k1")
	if !ok || v != "v1" {
		t.Fatalf("expected hit v1, got %q ok=%v", v, ok)
	}
	if stats := c.Stats(); stats.Hits != 1 {
		t.Fatalf("expected 1 hit, got %+v", stats)
	}
}

func TestGetReloadsAfterExpiry(t *testing.T) {
	c := New[string, string](Config{DefaultTTL: time.Hour}, func(k string) (string, bool, error) {
		return "value-" + k, true, nil
	}, nil)
	c.Put("k1", "v1", 50*time.Millisecond, 0)

	time.Sleep(120 * time.Millisecond)

	v, ok := c.Get("k1")
	if !ok || v != "value-k1" {
		t.Fatalf("expected reload to value-k1, got %q ok=%v", v, ok)
	}
	stats := c.Stats()
	if stats.Evictions < 1 {
		t.Fatalf("expected at least one eviction, got %+v", stats)
	}
}

func TestScheduledRefreshUpdatesValueInBackground(t *testing.T) {
	counter := 0
	c := New[string, string](Config{DefaultTTL: time.Second}, func(k string) (string, bool, error) {
		counter++
		return fmt.Sprintf("v-%d", counter), true, nil
	}, nil)

	c.Put("x", "v-1", time.Second, 60*time.Millisecond)

	v, _ := c.Get("x")
	if v != "v-1" {
		t.Fatalf("expected initial v-1, got %q", v)
	}

	time.Sleep(200 * time.Millisecond)

	v, _ = c.Get("x")
	if v == "v-1" {
		t.Fatalf("expected a background refresh to have updated the value, still v-1")
	}
	if stats := c.Stats(); stats.Refreshes < 1 {
		t.Fatalf("expected at least one refresh recorded, got %+v", stats)
	}
}

func TestRemoveCancelsPendingRefresh(t *testing.T) {
	refreshed := make(chan struct{}, 1)
	c := New[string, string](Config{DefaultTTL: time.Second}, func(k string) (string, bool, error) {
		select {
		case refreshed <- struct{}{}:
		default:
		}
		return "reloaded", true, nil
	}, nil)

	c.Put("k1", "v1", time.Second, 30*time.Millisecond)
	c.Remove("k1")

	if stats := c.Stats(); stats.Evictions != 1 {
		t.Fatalf("expected Remove to record 1 eviction, got %+v", stats)
	}

	select {
	case <-refreshed:
		t.Fatal("refresh fired after Remove cancelled it")
	case <-time.After(100 * time.Millisecond):
	}

	if v, ok := c.Get("k1"); !ok || v != "reloaded" {
		t.Fatalf("removed entry should be re-populated by the loader, not served as v1, got %q ok=%v", v, ok)
	}
}

func TestClearCreditsPreClearSize(t *testing.T) {
	c := New[string, string](Config{}, nil, nil)
	c.Put("a", "1", time.Second, 0)
	c.Put("b", "2", time.Second, 0)
	c.Put("c", "3", time.Second, 0)

	c.Clear()

	if stats := c.Stats(); stats.Evictions != 3 {
		t.Fatalf("expected 3 evictions credited from the pre-clear size, got %+v", stats)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("cleared cache should not return entries")
	}
}

func TestHitRatio(t *testing.T) {
	c := New[string, string](Config{}, nil, nil)
	c.Put("k1", "v1", time.Second, 0)

	c.Get("k1")
	c.Get("k1")
	c.Get("missing")

	stats := c.Stats()
	want := float64(2) / float64(3)
	if stats.HitRatio() != want {
		t.Fatalf("expected hit ratio %.3f, got %.3f", want, stats.HitRatio())
	}
}

func TestShutdownStopsSweeper(t *testing.T) {
	c := New[string, string](Config{SweepInterval: 5 * time.Millisecond}, nil, nil)
	c.Start()
	c.Put("k1", "v1", 10*time.Millisecond, 0)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}
