// Package dispatch orchestrates eligibility, matching, claiming and the trip
// lifecycle. It is the only surface the transport layer calls into.
package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-service/internal/eligibility"
	"dispatch-service/internal/events"
	"dispatch-service/internal/fare"
	"dispatch-service/internal/geo"
	"dispatch-service/internal/identity"
	"dispatch-service/internal/locations"
	"dispatch-service/internal/requests"
	"dispatch-service/internal/trips"
	"dispatch-service/pkg/kafka"
)

// Coordinator wires the dispatch components together.
type Coordinator struct {
	db       *pgxpool.Pool
	requests *requests.Ledger
	trips    *trips.Ledger
	geo      *geo.Index
	identity *identity.Service
	recorder *locations.Recorder
	calc     fare.Calculator
	events   *kafka.Client

	searchRadiusKm float64
	ratingReveal   time.Duration
	now            func() time.Time
}

// Options carries the dispatch configuration knobs.
type Options struct {
	SearchRadiusKm float64
	RatingReveal   time.Duration
}

// NewCoordinator creates a dispatch coordinator.
func NewCoordinator(db *pgxpool.Pool, rl *requests.Ledger, tl *trips.Ledger, gi *geo.Index,
	ids *identity.Service, rec *locations.Recorder, calc fare.Calculator, ev *kafka.Client, opts Options) *Coordinator {
	return &Coordinator{
		db: db, requests: rl, trips: tl, geo: gi, identity: ids, recorder: rec,
		calc: calc, events: ev,
		searchRadiusKm: opts.SearchRadiusKm,
		ratingReveal:   opts.RatingReveal,
		now:            time.Now,
	}
}

// RequestTripInput is the validated body of a trip request.
type RequestTripInput struct {
	Pickup             geo.Point
	PickupAddress      string
	Destination        geo.Point
	DestinationAddress string
	TripType           fare.TripType
}

// RequestTrip estimates the fare and opens a request for the rider.
func (c *Coordinator) RequestTrip(ctx context.Context, riderID string, in RequestTripInput) (*requests.TripRequest, error) {
	distanceKm := geo.HaversineKm(in.Pickup, in.Destination)
	estimate, isNight := c.calc.Estimate(distanceKm, in.TripType, c.now())

	return c.requests.Create(ctx, riderID, requests.CreateInput{
		Pickup:              in.Pickup,
		PickupAddress:       in.PickupAddress,
		Destination:         in.Destination,
		DestinationAddress:  in.DestinationAddress,
		TripType:            in.TripType,
		EstimatedDistanceKm: distanceKm,
		EstimatedFare:       estimate,
		IsNight:             isNight,
	})
}

// NearbyRequest is an open request with its distance from the driver.
type NearbyRequest struct {
	Request    requests.TripRequest `json:"request"`
	DistanceKm float64              `json:"distance_km"`
}

// ListNearbyRequests returns open requests around an eligible driver's
// current position, nearest first. No position on record means no matches.
func (c *Coordinator) ListNearbyRequests(ctx context.Context, driverID string) ([]NearbyRequest, error) {
	driver, err := c.identity.Driver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !eligibility.DriverEligible(driver, c.now()) {
		return nil, eligibility.ErrIneligibleDriver
	}

	pos, ok, err := c.geo.CachedPosition(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if driver.CurrentLat == nil || driver.CurrentLng == nil {
			return nil, nil
		}
		pos = geo.Point{Lat: *driver.CurrentLat, Lng: *driver.CurrentLng}
	}

	hits, err := c.geo.NearbyRequests(ctx, pos, c.searchRadiusKm, 20)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	dist := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.RequestID
		dist[h.RequestID] = h.DistanceKm
	}

	open, err := c.requests.OpenByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyRequest, 0, len(open))
	for _, req := range open {
		out = append(out, NearbyRequest{Request: req, DistanceKm: dist[req.ID]})
	}
	return out, nil
}

// NearbyDrivers returns eligible drivers around a point, nearest first.
func (c *Coordinator) NearbyDrivers(ctx context.Context, p geo.Point) ([]geo.DriverHit, error) {
	return c.geo.NearbyDrivers(ctx, p, c.searchRadiusKm, 20)
}

// AcceptRequest converts an open request into a trip, exactly once per
// request. The claim, the trip insert and the driver-availability flip share
// one transaction: either all of it happens or none of it, so a successful
// claim is always followed by a trip and a losing driver keeps nothing.
func (c *Coordinator) AcceptRequest(ctx context.Context, requestID, driverID, vehicleID string) (*trips.Trip, error) {
	driver, err := c.identity.Driver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !eligibility.DriverEligible(driver, c.now()) {
		return nil, eligibility.ErrIneligibleDriver
	}
	vehicle, err := c.identity.VehicleForDriver(ctx, driverID, vehicleID)
	if err != nil {
		return nil, err
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	snap, err := c.requests.ClaimAndRemove(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}

	trip, err := c.trips.CreateFromClaimedRequest(ctx, tx, snap, driverID, vehicle.ID)
	if err != nil {
		return nil, err
	}

	// conditional, anchored on availability: a concurrent accept by the same
	// driver loses here and rolls the whole claim back
	tag, err := tx.Exec(ctx,
		`UPDATE driver_profiles SET is_available=FALSE
		 WHERE user_id=$1 AND is_available`, driverID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, eligibility.ErrIneligibleDriver
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if err := c.geo.Deactivate(ctx, driverID); err != nil {
		log.Printf("[dispatch] geo deactivate %s: %v", driverID, err)
	}
	if err := c.geo.RemoveRequest(ctx, requestID); err != nil {
		log.Printf("[dispatch] geo remove request %s: %v", requestID, err)
	}

	c.publish(kafka.TopicTripAccepted, trip.ID, events.TripAcceptedEvent{
		TripID:     trip.ID,
		RequestID:  requestID,
		RiderID:    snap.RiderID,
		DriverID:   driverID,
		VehicleID:  vehicle.ID,
		Pickup:     events.LatLng{Lat: snap.Pickup.Lat, Lng: snap.Pickup.Lng},
		AcceptedAt: trip.AcceptedAt.Format(time.RFC3339),
	})
	return trip, nil
}

// MarkPickedUp transitions a trip to picked_up.
func (c *Coordinator) MarkPickedUp(ctx context.Context, tripID string) (*trips.Trip, error) {
	return c.trips.MarkPickedUp(ctx, tripID)
}

// CompleteTrip settles and closes a trip, then releases the driver. A
// non-positive actualFare means reprice from the actual distance at the
// request-time tariff.
func (c *Coordinator) CompleteTrip(ctx context.Context, tripID string, actualDistanceKm, actualFare float64) (*trips.Trip, error) {
	trip, err := c.trips.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if actualDistanceKm <= 0 {
		actualDistanceKm = trip.EstimatedDistanceKm
	}
	if actualFare <= 0 {
		// the night-surcharge decision was fixed at request time
		actualFare, _ = c.calc.Estimate(actualDistanceKm, trip.TripType, trip.RequestedAt)
	}

	trip, err = c.trips.Complete(ctx, tripID, actualDistanceKm, actualFare)
	if err != nil {
		return nil, err
	}

	c.publish(kafka.TopicTripCompleted, trip.ID, events.TripCompletedEvent{
		TripID:      trip.ID,
		RiderID:     deref(trip.RiderID),
		DriverID:    deref(trip.DriverID),
		DistanceKm:  actualDistanceKm,
		Fare:        actualFare,
		IsNightTrip: trip.IsNightTrip,
		CompletedAt: trip.CompletedAt.Format(time.RFC3339),
	})
	return trip, nil
}

// CancelTrip cancels an underway trip and releases the driver.
func (c *Coordinator) CancelTrip(ctx context.Context, tripID, reason string) (*trips.Trip, error) {
	trip, err := c.trips.Cancel(ctx, tripID, reason)
	if err != nil {
		return nil, err
	}
	c.publish(kafka.TopicTripCancelled, trip.ID, events.TripCancelledEvent{
		TripID:      trip.ID,
		RiderID:     deref(trip.RiderID),
		DriverID:    deref(trip.DriverID),
		Reason:      reason,
		CancelledAt: trip.CancelledAt.Format(time.RFC3339),
	})
	return trip, nil
}

// RateTrip records one side's rating and returns the trip as that side may
// see it (counterpart rating possibly hidden).
func (c *Coordinator) RateTrip(ctx context.Context, tripID, byRole string, score int, feedback string) (*trips.Trip, error) {
	trip, err := c.trips.Rate(ctx, tripID, byRole, score, feedback)
	if err != nil {
		return nil, err
	}
	view := trip.ViewFor(byRole, c.ratingReveal, c.now())
	return &view, nil
}

// RefundTrip refunds a completed trip. The monetary reversal and the status
// flip are all-or-nothing.
func (c *Coordinator) RefundTrip(ctx context.Context, tripID string, amount float64) (*trips.Trip, error) {
	trip, err := c.trips.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 && trip.ActualFare != nil {
		amount = *trip.ActualFare
	}

	trip, reversalID, err := c.trips.Refund(ctx, tripID, amount)
	if err != nil {
		return nil, err
	}
	c.publish(kafka.TopicTripRefunded, trip.ID, events.TripRefundedEvent{
		TripID:        trip.ID,
		RiderID:       deref(trip.RiderID),
		Amount:        amount,
		TransactionID: reversalID,
		RefundedAt:    trip.RefundedAt.Format(time.RFC3339),
	})
	return trip, nil
}

// GetTrip returns a trip scoped to the viewer's role.
func (c *Coordinator) GetTrip(ctx context.Context, tripID, viewerRole string) (*trips.Trip, error) {
	trip, err := c.trips.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	view := trip.ViewFor(viewerRole, c.ratingReveal, c.now())
	return &view, nil
}

// RecordLocation appends a black-box sample for a trip.
func (c *Coordinator) RecordLocation(ctx context.Context, tripID, driverID string, in locations.RecordInput) (*locations.Sample, error) {
	return c.recorder.Record(ctx, tripID, driverID, in)
}

// Trail returns a trip's full location trail.
func (c *Coordinator) Trail(ctx context.Context, tripID string) ([]locations.Sample, error) {
	return c.recorder.Trail(ctx, tripID)
}

func (c *Coordinator) publish(topic, key string, value any) {
	go func() {
		if err := c.events.Publish(context.Background(), topic, key, value); err != nil {
			log.Printf("[dispatch] failed to publish %s: %v", topic, err)
		}
	}()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
