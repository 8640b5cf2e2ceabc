package geo

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func setupTestIndex(t *testing.T) *Index {
	t.Helper()

	addr := os.Getenv("DISPATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS not set; skipping Redis-backed geo tests")
	}

	ctx := context.Background()
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	if err := rdb.Del(ctx, driversGeoKey, driversPosKey, requestsGeoKey).Err(); err != nil {
		t.Fatalf("clear keys: %v", err)
	}

	return NewIndex(rdb, nil)
}

func TestUpdateDriverPositionLastWriteWins(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	t2 := t1.Add(-2 * time.Second) // older sample arriving late

	p1 := Point{Lat: 23.8103, Lng: 90.4125}
	p2 := Point{Lat: 23.7000, Lng: 90.3000}

	applied, err := idx.UpdateDriverPosition(ctx, "drv-1", p1, t1)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if !applied {
		t.Fatal("first update should apply")
	}

	applied, err = idx.UpdateDriverPosition(ctx, "drv-1", p2, t2)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if applied {
		t.Fatal("older sample must be discarded, not applied")
	}

	got, ok, err := idx.CachedPosition(ctx, "drv-1")
	if err != nil || !ok {
		t.Fatalf("cached position: ok=%v err=%v", ok, err)
	}
	if got != p1 {
		t.Fatalf("position = %+v, want the newer sample %+v", got, p1)
	}
}

func TestActivateUsesCachedPosition(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	p := Point{Lat: 23.8103, Lng: 90.4125}
	if _, err := idx.UpdateDriverPosition(ctx, "drv-2", p, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	// driver not yet in the available set: position cached only
	if err := idx.Activate(ctx, "drv-2", nil, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}

	hits, err := idx.NearbyRequests(ctx, p, 1, 0)
	if err != nil {
		t.Fatalf("nearby requests: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("request set should be empty, got %d", len(hits))
	}

	if _, err := idx.rdb.ZScore(ctx, driversGeoKey, "drv-2").Result(); err != nil {
		t.Fatalf("driver not in available set after activate: %v", err)
	}
}

func TestDeactivateKeepsPositionCache(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	t1 := time.Now()
	p := Point{Lat: 23.8103, Lng: 90.4125}
	if _, err := idx.UpdateDriverPosition(ctx, "drv-3", p, t1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := idx.Deactivate(ctx, "drv-3"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	// a stale sample must still be rejected after deactivation
	applied, err := idx.UpdateDriverPosition(ctx, "drv-3", Point{Lat: 1, Lng: 1}, t1.Add(-time.Second))
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if applied {
		t.Fatal("stale sample applied after deactivation")
	}
}

func TestRequestIndexRoundTrip(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	center := Point{Lat: 23.8103, Lng: 90.4125}
	if err := idx.AddRequest(ctx, "req-near", Point{Lat: 23.8110, Lng: 90.4130}); err != nil {
		t.Fatalf("add near: %v", err)
	}
	if err := idx.AddRequest(ctx, "req-far", Point{Lat: 24.5, Lng: 91.0}); err != nil {
		t.Fatalf("add far: %v", err)
	}

	hits, err := idx.NearbyRequests(ctx, center, 5, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(hits) != 1 || hits[0].RequestID != "req-near" {
		t.Fatalf("hits = %+v, want only req-near", hits)
	}

	if err := idx.RemoveRequest(ctx, "req-near"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	hits, err = idx.NearbyRequests(ctx, center, 5, 10)
	if err != nil {
		t.Fatalf("nearby after remove: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty result after removal, got %+v", hits)
	}
}
