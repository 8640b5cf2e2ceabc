// Concurrency tests for the request claim path (run with -race).
package requests

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"dispatch-service/internal/geo"
	"dispatch-service/migrations"
	"dispatch-service/pkg/db"
)

func TestClaimExactlyOnce(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	riderID := seedRider(t, pool)
	requestID := seedRequest(t, pool, riderID, time.Now().Add(10*time.Minute))

	const claimers = 8
	var wg sync.WaitGroup
	errs := make(chan error, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := pool.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			if _, err := ledger.ClaimAndRemove(ctx, tx, requestID); err != nil {
				tx.Rollback(ctx)
				errs <- err
				return
			}
			errs <- tx.Commit(ctx)
		}()
	}

	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 successful claim, got %d", success)
	}

	var left int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM trip_requests WHERE id=$1`, requestID).Scan(&left); err != nil {
		t.Fatalf("count: %v", err)
	}
	if left != 0 {
		t.Fatalf("claimed request still present")
	}
}

func TestClaimExpiredRequest(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	riderID := seedRider(t, pool)
	requestID := seedRequest(t, pool, riderID, time.Now().Add(-time.Minute))

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := ledger.ClaimAndRemove(ctx, tx, requestID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestClaimUnknownRequest(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := ledger.ClaimAndRemove(ctx, tx, uuid.New().String()); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

// ExpireStale must only ever touch requests whose TTL has passed, and a swept
// request must be indistinguishable from a claimed one to late claimers.
func TestExpireStaleLeavesLiveRequests(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedgerWithGeo(t)

	riderID := seedRider(t, pool)
	deadID := seedRequest(t, pool, riderID, time.Now().Add(-time.Minute))
	liveID := seedRequest(t, pool, riderID, time.Now().Add(10*time.Minute))

	n, err := ledger.ExpireStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired request, got %d", n)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := ledger.ClaimAndRemove(ctx, tx, deadID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed for swept request, got %v", err)
	}
	tx.Rollback(ctx)

	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	snap, err := ledger.ClaimAndRemove(ctx, tx, liveID)
	if err != nil {
		t.Fatalf("claim of live request: %v", err)
	}
	if snap.ID != liveID {
		t.Fatalf("claimed wrong request: %s", snap.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func setupTestLedger(t *testing.T) (*Ledger, *pgxpool.Pool) {
	t.Helper()
	pool := setupTestPool(t)
	return NewLedger(pool, nil, nil, 10*time.Minute), pool
}

// setupTestLedgerWithGeo additionally wires a real Redis-backed geo index,
// needed by the paths that clear index entries.
func setupTestLedgerWithGeo(t *testing.T) (*Ledger, *pgxpool.Pool) {
	t.Helper()
	addr := os.Getenv("DISPATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS not set; skipping geo-backed tests")
	}
	pool := setupTestPool(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	return NewLedger(pool, geo.NewIndex(rdb, nil), nil, 10*time.Minute), pool
}

func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(database.Close)

	if err := database.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := database.Pool.Exec(ctx,
		`TRUNCATE location_samples, payment_transactions, trips, trip_requests,
		 vehicles, driver_profiles, rider_profiles, users CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return database.Pool
}

func seedRider(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.New().String()
	if _, err := pool.Exec(ctx,
		`INSERT INTO users (id,name,email,phone,password_hash,role)
		 VALUES ($1,$2,$3,$4,'x','rider')`,
		id, "Test Rider", fmt.Sprintf("rider-%s@example.com", id), "+8801700000000"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO rider_profiles (user_id, subscription_end_date)
		 VALUES ($1, NOW() + INTERVAL '7 days')`, id); err != nil {
		t.Fatalf("seed rider profile: %v", err)
	}
	return id
}

func seedRequest(t *testing.T, pool *pgxpool.Pool, riderID string, expiresAt time.Time) string {
	t.Helper()
	id := uuid.New().String()
	if _, err := pool.Exec(context.Background(),
		`INSERT INTO trip_requests
		 (id,rider_id,pickup_lat,pickup_lng,dest_lat,dest_lng,trip_type,
		  estimated_distance_km,estimated_fare,status,expires_at)
		 VALUES ($1,$2,23.8103,90.4125,22.3569,91.7832,'city_ride',215,32750,'requested',$3)`,
		id, riderID, expiresAt); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return id
}
