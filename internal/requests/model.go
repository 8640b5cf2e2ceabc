package requests

import (
	"time"

	"dispatch-service/internal/fare"
	"dispatch-service/internal/geo"
)

// StatusRequested is the only status an open request ever holds: it exists
// as "requested" until it is claimed or expires, then the row is gone.
const StatusRequested = "requested"

// TripRequest is an unmatched rider intent. It is ephemeral: deleted the
// instant it is claimed (becoming a trip) or swept after expiry.
type TripRequest struct {
	ID                  string        `json:"id"`
	RiderID             string        `json:"rider_id"`
	Pickup              geo.Point     `json:"pickup"`
	PickupAddress       string        `json:"pickup_address"`
	Destination         geo.Point     `json:"destination"`
	DestinationAddress  string        `json:"destination_address"`
	TripType            fare.TripType `json:"trip_type"`
	EstimatedDistanceKm float64       `json:"estimated_distance_km"`
	EstimatedFare       float64       `json:"estimated_fare"`
	IsNight             bool          `json:"is_night"`
	Status              string        `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
}

// CreateInput carries the validated, estimated fields for a new request.
type CreateInput struct {
	Pickup              geo.Point
	PickupAddress       string
	Destination         geo.Point
	DestinationAddress  string
	TripType            fare.TripType
	EstimatedDistanceKm float64
	EstimatedFare       float64
	IsNight             bool
}
