package identity

import "time"

// Roles a user account can hold.
const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// Subscription states shared by rider and driver profiles.
const (
	SubscriptionTrial     = "trial"
	SubscriptionActive    = "active"
	SubscriptionExpired   = "expired"
	SubscriptionCancelled = "cancelled"
)

// Driver verification states.
const (
	VerificationPending   = "pending"
	VerificationApproved  = "approved"
	VerificationRejected  = "rejected"
	VerificationSuspended = "suspended"
)

// User is an account identity. Profile rows hang off it 1:1 per role.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// RiderProfile holds rider subscription state and trip statistics.
type RiderProfile struct {
	UserID              string    `json:"user_id"`
	SubscriptionStatus  string    `json:"subscription_status"`
	SubscriptionEndDate time.Time `json:"subscription_end_date"`
	TripCount           int       `json:"trip_count"`
	RatingAverage       float64   `json:"rating_average"`
}

// DriverProfile holds driver verification, subscription, presence and stats.
type DriverProfile struct {
	UserID              string    `json:"user_id"`
	VerificationStatus  string    `json:"verification_status"`
	SubscriptionStatus  string    `json:"subscription_status"`
	SubscriptionEndDate time.Time `json:"subscription_end_date"`
	IsOnline            bool      `json:"is_online"`
	IsAvailable         bool      `json:"is_available"`
	CurrentLat          *float64  `json:"current_lat,omitempty"`
	CurrentLng          *float64  `json:"current_lng,omitempty"`
	TripCount           int       `json:"trip_count"`
	RatingAverage       float64   `json:"rating_average"`
	AcceptanceRate      float64   `json:"acceptance_rate"`
}

// Vehicle belongs to a driver; at most one per driver is primary.
type Vehicle struct {
	ID           string    `json:"id"`
	DriverID     string    `json:"driver_id"`
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	LicensePlate string    `json:"license_plate"`
	IsPrimary    bool      `json:"is_primary"`
	CreatedAt    time.Time `json:"created_at"`
}

// RegisterRequest is the body for POST /riders/register and /drivers/register.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned on register / login.
type AuthResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}

// PresenceRequest is the body for PATCH /drivers/{id}/presence.
type PresenceRequest struct {
	Online bool `json:"online"`
}

// VehicleRequest is the body for POST /drivers/{id}/vehicles.
type VehicleRequest struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	LicensePlate string `json:"license_plate"`
	IsPrimary    bool   `json:"is_primary"`
}

// VerificationRequest is the body for the admin verification decision.
type VerificationRequest struct {
	Decision string `json:"decision"` // approved | rejected | suspended
}
