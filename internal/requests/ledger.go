// Package requests owns the open trip request pool: creation, expiry and the
// atomic claim that converts a request into a trip.
package requests

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-service/internal/eligibility"
	"dispatch-service/internal/geo"
	"dispatch-service/internal/identity"
	"dispatch-service/pkg/validation"
)

var (
	ErrInvalidLocation = errors.New("coordinates out of range")
	ErrInvalidTripType = errors.New("unknown trip type")
	ErrAlreadyClaimed  = errors.New("request already claimed")
	ErrExpired         = errors.New("request expired")
)

// Ledger owns trip request lifecycle.
type Ledger struct {
	db     *pgxpool.Pool
	geo    *geo.Index
	riders *identity.Service
	ttl    time.Duration
	now    func() time.Time
}

// NewLedger creates a request ledger with the configured TTL.
func NewLedger(db *pgxpool.Pool, gi *geo.Index, riders *identity.Service, ttl time.Duration) *Ledger {
	return &Ledger{db: db, geo: gi, riders: riders, ttl: ttl, now: time.Now}
}

// Create opens a request for an eligible rider. The pickup point is
// registered in the geo index so nearby drivers can discover it.
func (l *Ledger) Create(ctx context.Context, riderID string, in CreateInput) (*TripRequest, error) {
	if !validation.ValidateCoordinates(in.Pickup.Lat, in.Pickup.Lng) ||
		!validation.ValidateCoordinates(in.Destination.Lat, in.Destination.Lng) {
		return nil, ErrInvalidLocation
	}
	if !in.TripType.Valid() {
		return nil, ErrInvalidTripType
	}

	rider, err := l.riders.Rider(ctx, riderID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	if !eligibility.RiderEligible(rider, now) {
		return nil, eligibility.ErrIneligibleRider
	}

	req := &TripRequest{
		ID:                  uuid.New().String(),
		RiderID:             riderID,
		Pickup:              in.Pickup,
		PickupAddress:       in.PickupAddress,
		Destination:         in.Destination,
		DestinationAddress:  in.DestinationAddress,
		TripType:            in.TripType,
		EstimatedDistanceKm: in.EstimatedDistanceKm,
		EstimatedFare:       in.EstimatedFare,
		IsNight:             in.IsNight,
		Status:              StatusRequested,
		CreatedAt:           now,
		ExpiresAt:           now.Add(l.ttl),
	}

	_, err = l.db.Exec(ctx,
		`INSERT INTO trip_requests
		 (id,rider_id,pickup_lat,pickup_lng,pickup_address,dest_lat,dest_lng,dest_address,
		  trip_type,estimated_distance_km,estimated_fare,is_night,status,created_at,expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		req.ID, req.RiderID,
		req.Pickup.Lat, req.Pickup.Lng, req.PickupAddress,
		req.Destination.Lat, req.Destination.Lng, req.DestinationAddress,
		req.TripType, req.EstimatedDistanceKm, req.EstimatedFare, req.IsNight,
		req.Status, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if err := l.geo.AddRequest(ctx, req.ID, req.Pickup); err != nil {
		log.Printf("[requests] geo add %s: %v", req.ID, err)
	}
	return req, nil
}

// ClaimAndRemove atomically deletes and returns an open, unexpired request.
// It runs on the caller's transaction so the claim and the resulting trip
// creation commit or roll back together. Of N concurrent claimers exactly one
// gets the row; the rest see ErrAlreadyClaimed or ErrExpired. The conditional
// delete is the whole mutual-exclusion mechanism: never split it into a read
// followed by a delete.
func (l *Ledger) ClaimAndRemove(ctx context.Context, tx pgx.Tx, requestID string) (*TripRequest, error) {
	now := l.now()

	var req TripRequest
	err := tx.QueryRow(ctx,
		`DELETE FROM trip_requests
		 WHERE id=$1 AND status=$2 AND expires_at > $3
		 RETURNING id,rider_id,pickup_lat,pickup_lng,pickup_address,
		           dest_lat,dest_lng,dest_address,trip_type,
		           estimated_distance_km,estimated_fare,is_night,status,created_at,expires_at`,
		requestID, StatusRequested, now).
		Scan(&req.ID, &req.RiderID,
			&req.Pickup.Lat, &req.Pickup.Lng, &req.PickupAddress,
			&req.Destination.Lat, &req.Destination.Lng, &req.DestinationAddress,
			&req.TripType, &req.EstimatedDistanceKm, &req.EstimatedFare, &req.IsNight,
			&req.Status, &req.CreatedAt, &req.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, l.classifyClaimMiss(ctx, tx, requestID, now)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// classifyClaimMiss distinguishes a claim that lost the race from one that
// arrived after expiry. A still-present row can only have missed on the
// expiry predicate; an absent row was claimed (or swept) by someone else.
func (l *Ledger) classifyClaimMiss(ctx context.Context, tx pgx.Tx, requestID string, now time.Time) error {
	var expiresAt time.Time
	err := tx.QueryRow(ctx,
		`SELECT expires_at FROM trip_requests WHERE id=$1`, requestID).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyClaimed
	}
	if err != nil {
		return err
	}
	if !expiresAt.After(now) {
		return ErrExpired
	}
	return ErrAlreadyClaimed
}

// ExpireStale deletes every open request whose TTL has passed and clears the
// geo index entries. Safe to run concurrently with claims: the shared
// conditional predicate means a request claimed a moment earlier is already
// gone and cannot be swept out from under its trip.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	rows, err := l.db.Query(ctx,
		`DELETE FROM trip_requests
		 WHERE status=$1 AND expires_at < $2
		 RETURNING id`, StatusRequested, now)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := l.geo.RemoveRequest(ctx, id); err != nil {
			log.Printf("[requests] geo remove %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("[requests] expired %d stale request(s)", len(ids))
	}
	return len(ids), nil
}

// OpenByIDs hydrates open, unexpired requests preserving the order of ids.
// Ids that are gone or expired are dropped: an empty result means no match.
func (l *Ledger) OpenByIDs(ctx context.Context, ids []string) ([]TripRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := l.db.Query(ctx,
		`SELECT id,rider_id,pickup_lat,pickup_lng,pickup_address,
		        dest_lat,dest_lng,dest_address,trip_type,
		        estimated_distance_km,estimated_fare,is_night,status,created_at,expires_at
		 FROM trip_requests
		 WHERE id = ANY($1) AND status=$2 AND expires_at > $3`,
		ids, StatusRequested, l.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]TripRequest, len(ids))
	for rows.Next() {
		var req TripRequest
		if err := rows.Scan(&req.ID, &req.RiderID,
			&req.Pickup.Lat, &req.Pickup.Lng, &req.PickupAddress,
			&req.Destination.Lat, &req.Destination.Lng, &req.DestinationAddress,
			&req.TripType, &req.EstimatedDistanceKm, &req.EstimatedFare, &req.IsNight,
			&req.Status, &req.CreatedAt, &req.ExpiresAt); err != nil {
			return nil, err
		}
		byID[req.ID] = req
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TripRequest, 0, len(byID))
	for _, id := range ids {
		if req, ok := byID[id]; ok {
			out = append(out, req)
		}
	}
	return out, nil
}
