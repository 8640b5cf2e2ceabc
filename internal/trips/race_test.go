// Lifecycle and concurrency tests for the trip ledger (run with -race).
package trips

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"dispatch-service/internal/geo"
	"dispatch-service/internal/payments"
	"dispatch-service/internal/requests"
	"dispatch-service/migrations"
	"dispatch-service/pkg/db"
)

func TestCompleteSettlesAndReleasesDriver(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	riderID := seedUser(t, pool, "rider")
	driverID := seedBusyDriver(t, pool)
	tripID := seedAcceptedTrip(t, pool, ledger, riderID, driverID)

	if _, err := ledger.MarkPickedUp(ctx, tripID); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	trip, err := ledger.Complete(ctx, tripID, 12.5, 2375)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if trip.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", trip.Status)
	}
	if trip.PaymentTxnID == nil {
		t.Fatalf("expected a settlement transaction id")
	}
	if trip.ActualFare == nil || *trip.ActualFare != 2375 {
		t.Fatalf("actual fare not recorded: %v", trip.ActualFare)
	}

	var available bool
	var tripCount int
	if err := pool.QueryRow(ctx,
		`SELECT is_available, trip_count FROM driver_profiles WHERE user_id=$1`, driverID).
		Scan(&available, &tripCount); err != nil {
		t.Fatalf("driver profile: %v", err)
	}
	if !available {
		t.Fatalf("driver not released after completion")
	}
	if tripCount != 1 {
		t.Fatalf("driver trip_count = %d, want 1", tripCount)
	}
}

func TestConcurrentCompleteVsCancel(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	riderID := seedUser(t, pool, "rider")
	driverID := seedBusyDriver(t, pool)
	tripID := seedAcceptedTrip(t, pool, ledger, riderID, driverID)

	if _, err := ledger.MarkPickedUp(ctx, tripID); err != nil {
		t.Fatalf("pickup: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := ledger.Complete(ctx, tripID, 12.5, 2375)
		errs <- err
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := ledger.Cancel(ctx, tripID, "rider changed plans")
		errs <- err
	}()

	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", success)
	}

	trip, err := ledger.GetByID(ctx, tripID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if trip.Status != StatusCompleted && trip.Status != StatusCancelled {
		t.Fatalf("unexpected final status %s", trip.Status)
	}

	// the driver is released whichever side won
	var available bool
	if err := pool.QueryRow(ctx,
		`SELECT is_available FROM driver_profiles WHERE user_id=$1`, driverID).Scan(&available); err != nil {
		t.Fatalf("driver profile: %v", err)
	}
	if !available {
		t.Fatalf("driver stuck unavailable after terminal transition")
	}
}

func TestRefundExactlyOnce(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	riderID := seedUser(t, pool, "rider")
	driverID := seedBusyDriver(t, pool)
	tripID := seedAcceptedTrip(t, pool, ledger, riderID, driverID)

	if _, err := ledger.MarkPickedUp(ctx, tripID); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := ledger.Complete(ctx, tripID, 12.5, 2375); err != nil {
		t.Fatalf("complete: %v", err)
	}

	trip, reversalID, err := ledger.Refund(ctx, tripID, 2375)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if trip.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", trip.Status)
	}
	if reversalID == "" {
		t.Fatalf("expected a reversal transaction id")
	}

	if _, _, err := ledger.Refund(ctx, tripID, 2375); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second refund: expected ErrInvalidTransition, got %v", err)
	}

	var reversals int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_transactions WHERE kind='reversal'`).Scan(&reversals); err != nil {
		t.Fatalf("count reversals: %v", err)
	}
	if reversals != 1 {
		t.Fatalf("reversal rows = %d, want 1", reversals)
	}
}

func TestRefundRollsBackWhenReversalTooLarge(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	riderID := seedUser(t, pool, "rider")
	driverID := seedBusyDriver(t, pool)
	tripID := seedAcceptedTrip(t, pool, ledger, riderID, driverID)

	if _, err := ledger.MarkPickedUp(ctx, tripID); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := ledger.Complete(ctx, tripID, 12.5, 2375); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, _, err := ledger.Refund(ctx, tripID, 99999); !errors.Is(err, payments.ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}

	trip, err := ledger.GetByID(ctx, tripID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if trip.Status != StatusCompleted {
		t.Fatalf("failed refund must leave trip completed, got %s", trip.Status)
	}

	var reversals int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_transactions WHERE kind='reversal'`).Scan(&reversals); err != nil {
		t.Fatalf("count reversals: %v", err)
	}
	if reversals != 0 {
		t.Fatalf("failed refund left %d reversal rows", reversals)
	}
}

// settleThenFail records the settlement row and then reports a processor
// error, a gateway that captured the charge but lost the acknowledgement.
type settleThenFail struct{ inner *payments.Ledger }

func (g *settleThenFail) Settle(ctx context.Context, tx pgx.Tx, ref string, amount float64) (string, error) {
	if _, err := g.inner.Settle(ctx, tx, ref, amount); err != nil {
		return "", err
	}
	return "", errors.New("gateway timed out")
}

func (g *settleThenFail) Reverse(ctx context.Context, tx pgx.Tx, transactionID string, amount float64) (string, error) {
	return g.inner.Reverse(ctx, tx, transactionID, amount)
}

func TestFailedCompletionLeavesNoSettlementRow(t *testing.T) {
	ctx := context.Background()
	pool, gi, _ := setupTestStore(t)
	ledger := NewLedger(pool, gi, &settleThenFail{inner: payments.NewLedger(pool)})

	riderID := seedUser(t, pool, "rider")
	driverID := seedBusyDriver(t, pool)
	tripID := seedAcceptedTrip(t, pool, ledger, riderID, driverID)

	if _, err := ledger.MarkPickedUp(ctx, tripID); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := ledger.Complete(ctx, tripID, 12.5, 2375); err == nil {
		t.Fatalf("expected the gateway failure to surface")
	}

	trip, err := ledger.GetByID(ctx, tripID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if trip.Status != StatusPickedUp {
		t.Fatalf("failed completion must leave trip picked_up, got %s", trip.Status)
	}

	// the settlement row written before the failure must roll back with the
	// trip transition, otherwise a retry double-charges
	var settlements int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_transactions WHERE kind='settlement'`).Scan(&settlements); err != nil {
		t.Fatalf("count settlements: %v", err)
	}
	if settlements != 0 {
		t.Fatalf("failed completion left %d settlement rows", settlements)
	}

	// a retry against a working gateway settles exactly once
	retry := NewLedger(pool, gi, payments.NewLedger(pool))
	if _, err := retry.Complete(ctx, tripID, 12.5, 2375); err != nil {
		t.Fatalf("retry complete: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_transactions WHERE kind='settlement'`).Scan(&settlements); err != nil {
		t.Fatalf("count settlements: %v", err)
	}
	if settlements != 1 {
		t.Fatalf("settlement rows after retry = %d, want 1", settlements)
	}
}

func TestOfflineDriverNotReactivated(t *testing.T) {
	ctx := context.Background()
	pool, gi, rdb := setupTestStore(t)
	ledger := NewLedger(pool, gi, payments.NewLedger(pool))

	riderID := seedUser(t, pool, "rider")
	driverID := seedBusyDriver(t, pool)
	tripID := seedAcceptedTrip(t, pool, ledger, riderID, driverID)

	if _, err := ledger.MarkPickedUp(ctx, tripID); err != nil {
		t.Fatalf("pickup: %v", err)
	}

	// the driver has a cached position a release would re-add them at
	if _, err := gi.UpdateDriverPosition(ctx, driverID,
		geo.Point{Lat: 23.8103, Lng: 90.4125}, time.Now()); err != nil {
		t.Fatalf("position: %v", err)
	}
	// they drop offline before the trip finishes
	if _, err := pool.Exec(ctx,
		`UPDATE driver_profiles SET is_online=FALSE WHERE user_id=$1`, driverID); err != nil {
		t.Fatalf("offline: %v", err)
	}

	if _, err := ledger.Complete(ctx, tripID, 12.5, 2375); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var available bool
	if err := pool.QueryRow(ctx,
		`SELECT is_available FROM driver_profiles WHERE user_id=$1`, driverID).Scan(&available); err != nil {
		t.Fatalf("driver profile: %v", err)
	}
	if available {
		t.Fatalf("offline driver flipped back to available")
	}
	if err := rdb.ZScore(ctx, "dispatch:drivers:geo", driverID).Err(); err != goredis.Nil {
		t.Fatalf("offline driver present in the available set (err=%v)", err)
	}
}

func TestRateOverwritesAndRecomputesAverage(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	riderID := seedUser(t, pool, "rider")
	driverID := seedBusyDriver(t, pool)
	tripID := seedAcceptedTrip(t, pool, ledger, riderID, driverID)

	if _, err := ledger.MarkPickedUp(ctx, tripID); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := ledger.Complete(ctx, tripID, 12.5, 2375); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := ledger.Rate(ctx, tripID, ByRider, 3, "ok"); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if avg := driverAverage(t, pool, driverID); avg != 3.0 {
		t.Fatalf("driver average = %v, want 3.0", avg)
	}

	// re-rating overwrites rather than skewing the average
	if _, err := ledger.Rate(ctx, tripID, ByRider, 5, "actually great"); err != nil {
		t.Fatalf("re-rate: %v", err)
	}
	if avg := driverAverage(t, pool, driverID); avg != 5.0 {
		t.Fatalf("driver average after overwrite = %v, want 5.0", avg)
	}

	if _, err := ledger.Rate(ctx, tripID, ByRider, 0, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}
}

func TestTransitionMisses(t *testing.T) {
	ctx := context.Background()
	ledger, pool := setupTestLedger(t)

	if _, err := ledger.MarkPickedUp(ctx, uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	riderID := seedUser(t, pool, "rider")
	driverID := seedBusyDriver(t, pool)
	tripID := seedAcceptedTrip(t, pool, ledger, riderID, driverID)

	// complete straight from accepted skips pickup
	if _, err := ledger.Complete(ctx, tripID, 12.5, 2375); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	// rating before completion
	if _, err := ledger.Rate(ctx, tripID, ByRider, 5, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func driverAverage(t *testing.T, pool *pgxpool.Pool, driverID string) float64 {
	t.Helper()
	var avg float64
	if err := pool.QueryRow(context.Background(),
		`SELECT rating_average FROM driver_profiles WHERE user_id=$1`, driverID).Scan(&avg); err != nil {
		t.Fatalf("driver average: %v", err)
	}
	return avg
}

func setupTestLedger(t *testing.T) (*Ledger, *pgxpool.Pool) {
	t.Helper()
	pool, gi, _ := setupTestStore(t)
	return NewLedger(pool, gi, payments.NewLedger(pool)), pool
}

func setupTestStore(t *testing.T) (*pgxpool.Pool, *geo.Index, *goredis.Client) {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set; skipping DB-backed tests")
	}
	addr := os.Getenv("DISPATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS not set; skipping DB-backed tests")
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

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	return database.Pool, geo.NewIndex(rdb, nil), rdb
}

func seedUser(t *testing.T, pool *pgxpool.Pool, role string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.New().String()
	if _, err := pool.Exec(ctx,
		`INSERT INTO users (id,name,email,phone,password_hash,role)
		 VALUES ($1,$2,$3,$4,'x',$5)`,
		id, "Test "+role, fmt.Sprintf("%s-%s@example.com", role, id), "+8801700000000", role); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if role == "rider" {
		if _, err := pool.Exec(ctx,
			`INSERT INTO rider_profiles (user_id, subscription_end_date)
			 VALUES ($1, NOW() + INTERVAL '7 days')`, id); err != nil {
			t.Fatalf("seed rider profile: %v", err)
		}
	}
	return id
}

// seedBusyDriver creates an approved, online driver who already holds a trip
// (is_available=false), the state a fresh accept leaves behind.
func seedBusyDriver(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	id := seedUser(t, pool, "driver")
	if _, err := pool.Exec(context.Background(),
		`INSERT INTO driver_profiles
		 (user_id, verification_status, subscription_end_date, is_online, is_available)
		 VALUES ($1, 'approved', NOW() + INTERVAL '7 days', TRUE, FALSE)`, id); err != nil {
		t.Fatalf("seed driver profile: %v", err)
	}
	return id
}

func seedAcceptedTrip(t *testing.T, pool *pgxpool.Pool, ledger *Ledger, riderID, driverID string) string {
	t.Helper()
	ctx := context.Background()

	snap := &requests.TripRequest{
		ID:                  uuid.New().String(),
		RiderID:             riderID,
		Pickup:              geo.Point{Lat: 23.8103, Lng: 90.4125},
		Destination:         geo.Point{Lat: 23.7806, Lng: 90.2794},
		TripType:            "city_ride",
		EstimatedDistanceKm: 14.2,
		EstimatedFare:       2630,
		CreatedAt:           time.Now().Add(-time.Minute),
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	vehicleID := seedVehicle(t, pool, driverID)
	trip, err := ledger.CreateFromClaimedRequest(ctx, tx, snap, driverID, vehicleID)
	if err != nil {
		tx.Rollback(ctx)
		t.Fatalf("create trip: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return trip.ID
}

func seedVehicle(t *testing.T, pool *pgxpool.Pool, driverID string) string {
	t.Helper()
	id := uuid.New().String()
	if _, err := pool.Exec(context.Background(),
		`INSERT INTO vehicles (id, driver_id, make, model, license_plate, is_primary)
		 VALUES ($1,$2,'Toyota','Axio',$3,TRUE)`,
		id, driverID, "DHK-"+id[:8]); err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}
	return id
}
