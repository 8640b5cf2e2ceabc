package locations

import (
	"time"

	"dispatch-service/internal/geo"
)

// Sample is one append-only black-box record: a driver position tied to a
// trip. Write-once; there is deliberately no update or delete operation.
type Sample struct {
	ID         int64     `json:"id"`
	TripID     string    `json:"trip_id"`
	DriverID   string    `json:"driver_id"`
	Point      geo.Point `json:"point"`
	SpeedKmh   float64   `json:"speed_kmh"`
	HeadingDeg float64   `json:"heading_deg"`
	AccuracyM  float64   `json:"accuracy_m"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordInput is the body for POST /dispatch/trips/{id}/locations.
type RecordInput struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	SpeedKmh   float64   `json:"speed_kmh"`
	HeadingDeg float64   `json:"heading_deg"`
	AccuracyM  float64   `json:"accuracy_m"`
	RecordedAt time.Time `json:"recorded_at"`
}
