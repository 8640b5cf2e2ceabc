// Package fare computes trip fare estimates. Pure and deterministic so the
// estimate and the actual-fare computation stay reproducible.
package fare

import "time"

// TripType names the supported ride products.
type TripType string

const (
	TypeShortDrop TripType = "short_drop"
	TypeCityRide  TripType = "city_ride"
	TypeRental    TripType = "rental"
)

// Valid reports whether t names a known trip type.
func (t TripType) Valid() bool {
	switch t {
	case TypeShortDrop, TypeCityRide, TypeRental:
		return true
	}
	return false
}

// Calculator holds the configured pricing parameters.
type Calculator struct {
	BaseFare       float64
	PerKmRate      float64
	NightSurcharge float64 // multiplier applied to night trips
	NightStartMin  int     // minutes since midnight, inclusive
	NightEndMin    int     // minutes since midnight, exclusive
}

// Estimate returns the metered fare for a distance at the given local time
// and whether the trip falls in the night window.
func (c Calculator) Estimate(distanceKm float64, tripType TripType, at time.Time) (float64, bool) {
	fare := c.BaseFare + c.PerKmRate*distanceKm

	night := c.isNight(at)
	if night && c.NightSurcharge > 0 {
		fare *= c.NightSurcharge
	}
	return fare, night
}

// isNight reports whether at falls within [start,end). A window whose start
// is after its end wraps midnight: [start,24:00) ∪ [00:00,end).
func (c Calculator) isNight(at time.Time) bool {
	minute := at.Hour()*60 + at.Minute()
	if c.NightStartMin == c.NightEndMin {
		return false
	}
	if c.NightStartMin < c.NightEndMin {
		return minute >= c.NightStartMin && minute < c.NightEndMin
	}
	return minute >= c.NightStartMin || minute < c.NightEndMin
}
