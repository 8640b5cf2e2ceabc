// Package trips owns the durable trip record and its lifecycle state machine.
package trips

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-service/internal/geo"
	"dispatch-service/internal/payments"
	"dispatch-service/internal/requests"
	"dispatch-service/pkg/validation"
)

var (
	ErrNotFound          = errors.New("trip not found")
	ErrInvalidTransition = errors.New("invalid trip transition")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
)

// Rating authorship, also the viewer roles for rating visibility.
const (
	ByRider  = "rider"
	ByDriver = "driver"
)

// Ledger owns trip persistence and transitions.
type Ledger struct {
	db       *pgxpool.Pool
	geo      *geo.Index
	payments payments.Gateway
	now      func() time.Time
}

// NewLedger creates a trip ledger.
func NewLedger(db *pgxpool.Pool, gi *geo.Index, gw payments.Gateway) *Ledger {
	return &Ledger{db: db, geo: gi, payments: gw, now: time.Now}
}

const tripColumns = `
	id,request_id,rider_id,driver_id,vehicle_id,
	pickup_lat,pickup_lng,pickup_address,dest_lat,dest_lng,dest_address,
	trip_type,status,estimated_distance_km,estimated_fare,
	actual_distance_km,actual_fare,is_night_trip,
	requested_at,accepted_at,picked_up_at,completed_at,cancelled_at,refunded_at,
	cancellation_reason,rider_rating,rider_feedback,driver_rating,driver_feedback,
	payment_txn_id,created_at`

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	err := row.Scan(&t.ID, &t.RequestID, &t.RiderID, &t.DriverID, &t.VehicleID,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.PickupAddress,
		&t.Destination.Lat, &t.Destination.Lng, &t.DestinationAddress,
		&t.TripType, &t.Status, &t.EstimatedDistanceKm, &t.EstimatedFare,
		&t.ActualDistanceKm, &t.ActualFare, &t.IsNightTrip,
		&t.RequestedAt, &t.AcceptedAt, &t.PickedUpAt, &t.CompletedAt, &t.CancelledAt, &t.RefundedAt,
		&t.CancellationReason, &t.RiderRating, &t.RiderFeedback, &t.DriverRating, &t.DriverFeedback,
		&t.PaymentTxnID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByID fetches a trip.
func (l *Ledger) GetByID(ctx context.Context, id string) (*Trip, error) {
	return scanTrip(l.db.QueryRow(ctx, `SELECT`+tripColumns+` FROM trips WHERE id=$1`, id))
}

// CreateFromClaimedRequest inserts the trip a successful claim produced. It
// runs on the claim's transaction: the request row disappearing and the trip
// row appearing are one atomic step.
func (l *Ledger) CreateFromClaimedRequest(ctx context.Context, tx pgx.Tx, snap *requests.TripRequest, driverID, vehicleID string) (*Trip, error) {
	now := l.now()
	t := &Trip{
		ID:                  uuid.New().String(),
		RequestID:           snap.ID,
		RiderID:             &snap.RiderID,
		DriverID:            &driverID,
		VehicleID:           &vehicleID,
		Pickup:              snap.Pickup,
		PickupAddress:       snap.PickupAddress,
		Destination:         snap.Destination,
		DestinationAddress:  snap.DestinationAddress,
		TripType:            snap.TripType,
		Status:              StatusAccepted,
		EstimatedDistanceKm: snap.EstimatedDistanceKm,
		EstimatedFare:       snap.EstimatedFare,
		IsNightTrip:         snap.IsNight,
		RequestedAt:         snap.CreatedAt,
		AcceptedAt:          now,
		CreatedAt:           now,
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO trips
		 (id,request_id,rider_id,driver_id,vehicle_id,
		  pickup_lat,pickup_lng,pickup_address,dest_lat,dest_lng,dest_address,
		  trip_type,status,estimated_distance_km,estimated_fare,is_night_trip,
		  requested_at,accepted_at,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.RequestID, t.RiderID, t.DriverID, t.VehicleID,
		t.Pickup.Lat, t.Pickup.Lng, t.PickupAddress,
		t.Destination.Lat, t.Destination.Lng, t.DestinationAddress,
		t.TripType, t.Status, t.EstimatedDistanceKm, t.EstimatedFare, t.IsNightTrip,
		t.RequestedAt, t.AcceptedAt, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MarkPickedUp transitions accepted → picked_up.
func (l *Ledger) MarkPickedUp(ctx context.Context, tripID string) (*Trip, error) {
	tag, err := l.db.Exec(ctx,
		`UPDATE trips SET status=$1, picked_up_at=$2 WHERE id=$3 AND status=$4`,
		StatusPickedUp, l.now(), tripID, StatusAccepted)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, l.classifyMiss(ctx, tripID)
	}
	return l.GetByID(ctx, tripID)
}

// Complete transitions picked_up → completed, settles the fare, bumps both
// participants' trip counts, and releases the driver back to the geo index.
// The trip transition and the driver release ride the same transaction so a
// racing cancel cannot leave the driver stuck unavailable.
func (l *Ledger) Complete(ctx context.Context, tripID string, actualDistanceKm, actualFare float64) (*Trip, error) {
	now := l.now()

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var riderID, driverID *string
	err = tx.QueryRow(ctx,
		`UPDATE trips
		 SET status=$1, actual_distance_km=$2, actual_fare=$3, completed_at=$4
		 WHERE id=$5 AND status=$6
		 RETURNING rider_id, driver_id`,
		StatusCompleted, actualDistanceKm, actualFare, now, tripID, StatusPickedUp).
		Scan(&riderID, &driverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, l.classifyMiss(ctx, tripID)
	}
	if err != nil {
		return nil, err
	}

	// the settlement joins the trip transaction: if anything after this
	// point fails, the ledger row rolls back with the status flip
	txnID, err := l.payments.Settle(ctx, tx, tripID, actualFare)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE trips SET payment_txn_id=$1 WHERE id=$2`, txnID, tripID); err != nil {
		return nil, err
	}

	released, err := l.releaseDriverTx(ctx, tx, driverID)
	if err != nil {
		return nil, err
	}
	if riderID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE rider_profiles SET trip_count = trip_count + 1 WHERE user_id=$1`, *riderID); err != nil {
			return nil, err
		}
	}
	if driverID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE driver_profiles SET trip_count = trip_count + 1 WHERE user_id=$1`, *driverID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if released {
		l.restoreDriverToIndex(ctx, driverID)
	}
	return l.GetByID(ctx, tripID)
}

// Cancel transitions accepted or picked_up → cancelled and releases the
// driver, whoever asked for the cancellation.
func (l *Ledger) Cancel(ctx context.Context, tripID, reason string) (*Trip, error) {
	now := l.now()

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var driverID *string
	err = tx.QueryRow(ctx,
		`UPDATE trips SET status=$1, cancelled_at=$2, cancellation_reason=$3
		 WHERE id=$4 AND status IN ($5,$6)
		 RETURNING driver_id`,
		StatusCancelled, now, reason, tripID, StatusAccepted, StatusPickedUp).
		Scan(&driverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, l.classifyMiss(ctx, tripID)
	}
	if err != nil {
		return nil, err
	}

	released, err := l.releaseDriverTx(ctx, tx, driverID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if released {
		l.restoreDriverToIndex(ctx, driverID)
	}
	return l.GetByID(ctx, tripID)
}

// Rate records one side's rating of a completed trip. Re-rating by the same
// side overwrites. The counterpart's profile average is recomputed from trip
// rows, which keeps it correct under overwrites.
func (l *Ledger) Rate(ctx context.Context, tripID, byRole string, score int, feedback string) (*Trip, error) {
	if !validation.ValidateRating(score) {
		return nil, ErrInvalidRating
	}

	var ratingCol, feedbackCol string
	switch byRole {
	case ByRider:
		ratingCol, feedbackCol = "rider_rating", "rider_feedback"
	case ByDriver:
		ratingCol, feedbackCol = "driver_rating", "driver_feedback"
	default:
		return nil, ErrInvalidRating
	}

	tag, err := l.db.Exec(ctx,
		`UPDATE trips SET `+ratingCol+`=$1, `+feedbackCol+`=$2 WHERE id=$3 AND status=$4`,
		score, feedback, tripID, StatusCompleted)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, l.classifyMiss(ctx, tripID)
	}

	if err := l.recomputeRatedAverage(ctx, tripID, byRole); err != nil {
		log.Printf("[trips] rating average recompute for %s: %v", tripID, err)
	}
	return l.GetByID(ctx, tripID)
}

// recomputeRatedAverage refreshes the rated party's profile average from the
// trips table: the rider's score lands on the driver's profile and vice versa.
func (l *Ledger) recomputeRatedAverage(ctx context.Context, tripID, byRole string) error {
	if byRole == ByRider {
		_, err := l.db.Exec(ctx,
			`UPDATE driver_profiles SET rating_average = (
			     SELECT COALESCE(AVG(rider_rating), 5.0) FROM trips
			     WHERE driver_id = (SELECT driver_id FROM trips WHERE id=$1)
			       AND rider_rating IS NOT NULL
			 )
			 WHERE user_id = (SELECT driver_id FROM trips WHERE id=$1)`, tripID)
		return err
	}
	_, err := l.db.Exec(ctx,
		`UPDATE rider_profiles SET rating_average = (
		     SELECT COALESCE(AVG(driver_rating), 5.0) FROM trips
		     WHERE rider_id = (SELECT rider_id FROM trips WHERE id=$1)
		       AND driver_rating IS NOT NULL
		 )
		 WHERE user_id = (SELECT rider_id FROM trips WHERE id=$1)`, tripID)
	return err
}

// Refund transitions completed → refunded and records the offsetting payment
// reversal. All-or-nothing: if the gateway rejects the reversal the
// transaction rolls back and the trip stays completed.
func (l *Ledger) Refund(ctx context.Context, tripID string, amount float64) (*Trip, string, error) {
	now := l.now()

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback(ctx)

	var paymentTxnID *string
	err = tx.QueryRow(ctx,
		`UPDATE trips SET status=$1, refunded_at=$2
		 WHERE id=$3 AND status=$4
		 RETURNING payment_txn_id`,
		StatusRefunded, now, tripID, StatusCompleted).
		Scan(&paymentTxnID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", l.classifyMiss(ctx, tripID)
	}
	if err != nil {
		return nil, "", err
	}
	if paymentTxnID == nil {
		return nil, "", payments.ErrPaymentFailed
	}

	// reversal row and status flip commit together or not at all
	reversalID, err := l.payments.Reverse(ctx, tx, *paymentTxnID, amount)
	if err != nil {
		return nil, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", err
	}

	t, err := l.GetByID(ctx, tripID)
	return t, reversalID, err
}

// StatusAndDriver returns the trip's status and driver for sample recording.
func (l *Ledger) StatusAndDriver(ctx context.Context, tripID string) (Status, *string, error) {
	var status Status
	var driverID *string
	err := l.db.QueryRow(ctx,
		`SELECT status, driver_id FROM trips WHERE id=$1`, tripID).Scan(&status, &driverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return status, driverID, nil
}

// classifyMiss turns a zero-row conditional update into the precise error:
// the trip either does not exist or was not in the expected state.
func (l *Ledger) classifyMiss(ctx context.Context, tripID string) error {
	var status Status
	err := l.db.QueryRow(ctx, `SELECT status FROM trips WHERE id=$1`, tripID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidTransition
}

// releaseDriverTx flips the driver back to available inside the transition's
// transaction, anchored on the trip-row update having succeeded. Reports
// whether the release matched: a driver who went offline mid-trip stays out
// of the matchable set.
func (l *Ledger) releaseDriverTx(ctx context.Context, tx pgx.Tx, driverID *string) (bool, error) {
	if driverID == nil {
		return false, nil
	}
	tag, err := tx.Exec(ctx,
		`UPDATE driver_profiles SET is_available=TRUE
		 WHERE user_id=$1 AND is_online`, *driverID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// restoreDriverToIndex puts a released driver back into the matchable set at
// the last known position. Best effort: the index heals on the next sample.
func (l *Ledger) restoreDriverToIndex(ctx context.Context, driverID *string) {
	if driverID == nil {
		return
	}
	if err := l.geo.Activate(ctx, *driverID, nil, nil); err != nil {
		log.Printf("[trips] geo activate %s: %v", *driverID, err)
	}
}
