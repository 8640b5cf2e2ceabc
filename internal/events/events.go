// Package events defines the logical event payloads the core emits.
// Delivery and formatting belong to the notification consumers.
package events

// LatLng is a coordinate pair used in event payloads.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TripAcceptedEvent is published to trip.accepted when a driver claims a request.
type TripAcceptedEvent struct {
	TripID     string `json:"trip_id"`
	RequestID  string `json:"request_id"`
	RiderID    string `json:"rider_id"`
	DriverID   string `json:"driver_id"`
	VehicleID  string `json:"vehicle_id"`
	Pickup     LatLng `json:"pickup"`
	AcceptedAt string `json:"accepted_at"`
}

// TripCompletedEvent is published to trip.completed.
type TripCompletedEvent struct {
	TripID      string  `json:"trip_id"`
	RiderID     string  `json:"rider_id"`
	DriverID    string  `json:"driver_id"`
	DistanceKm  float64 `json:"distance_km"`
	Fare        float64 `json:"fare"`
	IsNightTrip bool    `json:"is_night_trip"`
	CompletedAt string  `json:"completed_at"`
}

// TripCancelledEvent is published to trip.cancelled.
type TripCancelledEvent struct {
	TripID      string `json:"trip_id"`
	RiderID     string `json:"rider_id"`
	DriverID    string `json:"driver_id"`
	Reason      string `json:"reason"`
	CancelledAt string `json:"cancelled_at"`
}

// TripRefundedEvent is published to trip.refunded.
type TripRefundedEvent struct {
	TripID        string  `json:"trip_id"`
	RiderID       string  `json:"rider_id"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"transaction_id"`
	RefundedAt    string  `json:"refunded_at"`
}

// SubscriptionExpiredEvent is published to subscription.expired per lapsed profile.
type SubscriptionExpiredEvent struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	ExpiredAt string `json:"expired_at"`
}

// VerificationDecidedEvent is published to verification.decided.
type VerificationDecidedEvent struct {
	DriverID string `json:"driver_id"`
	Decision string `json:"decision"`
}
