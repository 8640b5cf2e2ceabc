package trips

import (
	"time"

	"dispatch-service/internal/fare"
	"dispatch-service/internal/geo"
)

// Status is the trip lifecycle state. A trip is born accepted (it only
// exists once a request has been claimed) and ends completed, cancelled or
// refunded. Refunded is reachable only from completed.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusPickedUp  Status = "picked_up"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// transitions is the full state machine: current state → legal next states.
// Anything not listed here is an invalid transition, checked centrally by
// CanTransition and enforced under concurrency by conditional updates.
var transitions = map[Status][]Status{
	StatusAccepted:  {StatusPickedUp, StatusCancelled},
	StatusPickedUp:  {StatusCompleted, StatusCancelled},
	StatusCompleted: {StatusRefunded},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no ordinary transition leaves s. Refunded is the
// one explicitly-triggered exception out of completed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

// Active reports whether the trip is underway (driver assigned and busy).
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusPickedUp
}

// Trip is the durable record of a matched ride. Participant references are
// nullable so history survives account deletion.
type Trip struct {
	ID                  string        `json:"id"`
	RequestID           string        `json:"request_id"`
	RiderID             *string       `json:"rider_id,omitempty"`
	DriverID            *string       `json:"driver_id,omitempty"`
	VehicleID           *string       `json:"vehicle_id,omitempty"`
	Pickup              geo.Point     `json:"pickup"`
	PickupAddress       string        `json:"pickup_address"`
	Destination         geo.Point     `json:"destination"`
	DestinationAddress  string        `json:"destination_address"`
	TripType            fare.TripType `json:"trip_type"`
	Status              Status        `json:"status"`
	EstimatedDistanceKm float64       `json:"estimated_distance_km"`
	EstimatedFare       float64       `json:"estimated_fare"`
	ActualDistanceKm    *float64      `json:"actual_distance_km,omitempty"`
	ActualFare          *float64      `json:"actual_fare,omitempty"`
	IsNightTrip         bool          `json:"is_night_trip"`
	RequestedAt         time.Time     `json:"requested_at"`
	AcceptedAt          time.Time     `json:"accepted_at"`
	PickedUpAt          *time.Time    `json:"picked_up_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	CancelledAt         *time.Time    `json:"cancelled_at,omitempty"`
	RefundedAt          *time.Time    `json:"refunded_at,omitempty"`
	CancellationReason  *string       `json:"cancellation_reason,omitempty"`
	RiderRating         *int          `json:"rider_rating,omitempty"` // rating the rider gave the driver
	RiderFeedback       *string       `json:"rider_feedback,omitempty"`
	DriverRating        *int          `json:"driver_rating,omitempty"` // rating the driver gave the rider
	DriverFeedback      *string       `json:"driver_feedback,omitempty"`
	PaymentTxnID        *string       `json:"payment_txn_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// ViewFor returns a copy of the trip with the counterpart's rating hidden
// from the viewer until both sides have rated or the reveal window after
// completion has elapsed. Guards against retaliatory rating; the stored row
// always keeps both sides.
func (t Trip) ViewFor(viewerRole string, revealAfter time.Duration, now time.Time) Trip {
	bothRated := t.RiderRating != nil && t.DriverRating != nil
	windowOver := t.CompletedAt != nil && now.Sub(*t.CompletedAt) >= revealAfter
	if bothRated || windowOver {
		return t
	}
	switch viewerRole {
	case "rider":
		// the driver's rating of the rider stays hidden
		t.DriverRating = nil
		t.DriverFeedback = nil
	case "driver":
		t.RiderRating = nil
		t.RiderFeedback = nil
	}
	return t
}
