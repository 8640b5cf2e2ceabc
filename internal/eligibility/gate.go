// Package eligibility decides whether riders and drivers may participate in
// dispatch: subscription currency plus, for drivers, verification and presence.
package eligibility

import (
	"errors"
	"time"

	"dispatch-service/internal/identity"
)

var (
	ErrIneligibleRider  = errors.New("rider not eligible")
	ErrIneligibleDriver = errors.New("driver not eligible")
)

// subscriptionCurrent reports whether a subscription grants access at the
// given instant.
func subscriptionCurrent(status string, endDate, now time.Time) bool {
	if status != identity.SubscriptionTrial && status != identity.SubscriptionActive {
		return false
	}
	return endDate.After(now)
}

// RiderEligible reports whether a rider may request trips.
func RiderEligible(p *identity.RiderProfile, now time.Time) bool {
	return subscriptionCurrent(p.SubscriptionStatus, p.SubscriptionEndDate, now)
}

// DriverAccountCurrent reports whether a driver account itself is in good
// standing: verified and subscription-current. Presence flags are not
// consulted, so this is the right check for going online.
func DriverAccountCurrent(p *identity.DriverProfile, now time.Time) bool {
	return p.VerificationStatus == identity.VerificationApproved &&
		subscriptionCurrent(p.SubscriptionStatus, p.SubscriptionEndDate, now)
}

// DriverEligible reports whether a driver may receive or accept requests
// right now: account in good standing, online and not already assigned.
func DriverEligible(p *identity.DriverProfile, now time.Time) bool {
	return DriverAccountCurrent(p, now) && p.IsOnline && p.IsAvailable
}

// OnlineGate adapts DriverAccountCurrent to the identity service's gate hook.
func OnlineGate(p *identity.DriverProfile, now time.Time) error {
	if !DriverAccountCurrent(p, now) {
		return ErrIneligibleDriver
	}
	return nil
}
