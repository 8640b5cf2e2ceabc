package identity

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"dispatch-service/internal/events"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/kafka"
	"dispatch-service/pkg/validation"
)

// How long a fresh account may ride/drive before paying.
const trialPeriod = 14 * 24 * time.Hour

var (
	ErrNotFound       = errors.New("not found")
	ErrEmailTaken     = errors.New("email already exists")
	ErrBadCredentials = errors.New("invalid credentials")
	ErrInvalidInput   = errors.New("invalid input")
	ErrVehicleTaken   = errors.New("vehicle does not belong to driver")
)

// PresenceIndex is the slice of the geo index the identity service needs:
// drivers appear in it when they go online and vanish when they go offline.
type PresenceIndex interface {
	Activate(ctx context.Context, driverID string, lat, lng *float64) error
	Deactivate(ctx context.Context, driverID string) error
}

// OnlineGate decides whether a driver account may go online right now.
// Wired from the eligibility package in main to avoid an import cycle.
type OnlineGate func(p *DriverProfile, now time.Time) error

// Service contains account, profile and vehicle logic.
type Service struct {
	db       *pgxpool.Pool
	presence PresenceIndex
	gate     OnlineGate
	events   *kafka.Client
	now      func() time.Time
}

// NewService creates an identity service. The presence index is bound after
// construction because the index looks drivers up through this service.
func NewService(db *pgxpool.Pool, gate OnlineGate, ev *kafka.Client) *Service {
	return &Service{db: db, gate: gate, events: ev, now: time.Now}
}

// BindPresence attaches the geo index, completing the two-step wiring.
func (s *Service) BindPresence(p PresenceIndex) { s.presence = p }

// RegisterRider creates a rider account with a trial subscription.
func (s *Service) RegisterRider(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	return s.register(ctx, req, RoleRider)
}

// RegisterDriver creates a driver account (verification pending, trial subscription).
func (s *Service) RegisterDriver(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	return s.register(ctx, req, RoleDriver)
}

func (s *Service) register(ctx context.Context, req RegisterRequest, role string) (*AuthResponse, error) {
	if !validation.ValidateName(req.Name) || !validation.ValidateEmail(req.Email) ||
		!validation.ValidatePhone(req.Phone) || !validation.ValidatePassword(req.Password) {
		return nil, ErrInvalidInput
	}

	var exists bool
	_ = s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE email=$1)", req.Email).Scan(&exists)
	if exists {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := s.now()
	trialEnd := now.Add(trialPeriod)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id,name,email,phone,password_hash,role,is_active,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7)`,
		id, req.Name, req.Email, req.Phone, string(hash), role, now)
	if err != nil {
		return nil, err
	}

	switch role {
	case RoleRider:
		_, err = tx.Exec(ctx,
			`INSERT INTO rider_profiles (user_id,subscription_status,subscription_end_date)
			 VALUES ($1,$2,$3)`, id, SubscriptionTrial, trialEnd)
	case RoleDriver:
		_, err = tx.Exec(ctx,
			`INSERT INTO driver_profiles (user_id,verification_status,subscription_status,subscription_end_date)
			 VALUES ($1,$2,$3,$4)`, id, VerificationPending, SubscriptionTrial, trialEnd)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	token, err := jwt.Generate(id, req.Email, role)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{
		Token: token,
		User: &User{
			ID: id, Name: req.Name, Email: req.Email, Phone: req.Phone,
			Role: role, IsActive: true, CreatedAt: now,
		},
	}, nil
}

// Login authenticates any role and returns a JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var u User
	err := s.db.QueryRow(ctx,
		`SELECT id,name,email,phone,password_hash,role,is_active,created_at
		 FROM users WHERE email=$1`, req.Email).
		Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt)
	if err != nil {
		return nil, ErrBadCredentials
	}
	if !u.IsActive || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		return nil, ErrBadCredentials
	}

	token, err := jwt.Generate(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = ""
	return &AuthResponse{Token: token, User: &u}, nil
}

// Rider fetches a rider profile by user id.
func (s *Service) Rider(ctx context.Context, id string) (*RiderProfile, error) {
	var p RiderProfile
	err := s.db.QueryRow(ctx,
		`SELECT user_id,subscription_status,subscription_end_date,trip_count,rating_average
		 FROM rider_profiles WHERE user_id=$1`, id).
		Scan(&p.UserID, &p.SubscriptionStatus, &p.SubscriptionEndDate, &p.TripCount, &p.RatingAverage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Driver fetches a driver profile by user id.
func (s *Service) Driver(ctx context.Context, id string) (*DriverProfile, error) {
	var p DriverProfile
	err := s.db.QueryRow(ctx, driverProfileQuery+` WHERE user_id=$1`, id).Scan(driverProfileDest(&p)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DriversByIDs hydrates driver profiles for a batch of candidate ids.
// Missing ids are silently skipped.
func (s *Service) DriversByIDs(ctx context.Context, ids []string) ([]DriverProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, driverProfileQuery+` WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DriverProfile
	for rows.Next() {
		var p DriverProfile
		if err := rows.Scan(driverProfileDest(&p)...); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const driverProfileQuery = `
	SELECT user_id,verification_status,subscription_status,subscription_end_date,
	       is_online,is_available,current_lat,current_lng,
	       trip_count,rating_average,acceptance_rate
	FROM driver_profiles`

func driverProfileDest(p *DriverProfile) []any {
	return []any{
		&p.UserID, &p.VerificationStatus, &p.SubscriptionStatus, &p.SubscriptionEndDate,
		&p.IsOnline, &p.IsAvailable, &p.CurrentLat, &p.CurrentLng,
		&p.TripCount, &p.RatingAverage, &p.AcceptanceRate,
	}
}

// SetPresence flips a driver online or offline. Going online is gated on the
// account being verified and subscription-current; going offline always works
// and removes the driver from the geo index.
func (s *Service) SetPresence(ctx context.Context, driverID string, online bool) (*DriverProfile, error) {
	p, err := s.Driver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	if online {
		if err := s.gate(p, s.now()); err != nil {
			return nil, err
		}
		_, err = s.db.Exec(ctx,
			`UPDATE driver_profiles SET is_online=TRUE, is_available=TRUE WHERE user_id=$1`, driverID)
		if err != nil {
			return nil, err
		}
		if err := s.presence.Activate(ctx, driverID, p.CurrentLat, p.CurrentLng); err != nil {
			log.Printf("[identity] geo activate %s: %v", driverID, err)
		}
	} else {
		_, err = s.db.Exec(ctx,
			`UPDATE driver_profiles SET is_online=FALSE, is_available=FALSE WHERE user_id=$1`, driverID)
		if err != nil {
			return nil, err
		}
		if err := s.presence.Deactivate(ctx, driverID); err != nil {
			log.Printf("[identity] geo deactivate %s: %v", driverID, err)
		}
	}
	return s.Driver(ctx, driverID)
}

// AddVehicle registers a vehicle for a driver. Marking it primary demotes any
// previous primary in the same transaction.
func (s *Service) AddVehicle(ctx context.Context, driverID string, req VehicleRequest) (*Vehicle, error) {
	if _, err := s.Driver(ctx, driverID); err != nil {
		return nil, err
	}

	v := Vehicle{
		ID: uuid.New().String(), DriverID: driverID,
		Make: req.Make, Model: req.Model, LicensePlate: req.LicensePlate,
		IsPrimary: req.IsPrimary, CreatedAt: s.now(),
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if v.IsPrimary {
		if _, err := tx.Exec(ctx,
			`UPDATE vehicles SET is_primary=FALSE WHERE driver_id=$1 AND is_primary`, driverID); err != nil {
			return nil, err
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO vehicles (id,driver_id,make,model,license_plate,is_primary,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.ID, v.DriverID, v.Make, v.Model, v.LicensePlate, v.IsPrimary, v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &v, nil
}

// SetPrimaryVehicle makes the given vehicle the driver's primary one.
func (s *Service) SetPrimaryVehicle(ctx context.Context, driverID, vehicleID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE vehicles SET is_primary=FALSE WHERE driver_id=$1 AND is_primary`, driverID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE vehicles SET is_primary=TRUE WHERE id=$1 AND driver_id=$2`, vehicleID, driverID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// VehicleForDriver resolves the vehicle a driver accepts a request with.
// An empty vehicleID falls back to the driver's primary vehicle.
func (s *Service) VehicleForDriver(ctx context.Context, driverID, vehicleID string) (*Vehicle, error) {
	var (
		v   Vehicle
		err error
	)
	if vehicleID == "" {
		err = s.db.QueryRow(ctx,
			`SELECT id,driver_id,make,model,license_plate,is_primary,created_at
			 FROM vehicles WHERE driver_id=$1 AND is_primary`, driverID).
			Scan(&v.ID, &v.DriverID, &v.Make, &v.Model, &v.LicensePlate, &v.IsPrimary, &v.CreatedAt)
	} else {
		err = s.db.QueryRow(ctx,
			`SELECT id,driver_id,make,model,license_plate,is_primary,created_at
			 FROM vehicles WHERE id=$1 AND driver_id=$2`, vehicleID, driverID).
			Scan(&v.ID, &v.DriverID, &v.Make, &v.Model, &v.LicensePlate, &v.IsPrimary, &v.CreatedAt)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// DecideVerification records an admin verification decision. Rejected or
// suspended drivers are forced offline and out of the geo index.
func (s *Service) DecideVerification(ctx context.Context, driverID, decision string) (*DriverProfile, error) {
	switch decision {
	case VerificationApproved, VerificationRejected, VerificationSuspended:
	default:
		return nil, ErrInvalidInput
	}

	forceOffline := decision != VerificationApproved
	tag, err := s.db.Exec(ctx,
		`UPDATE driver_profiles
		 SET verification_status=$2,
		     is_online = CASE WHEN $3 THEN FALSE ELSE is_online END,
		     is_available = CASE WHEN $3 THEN FALSE ELSE is_available END
		 WHERE user_id=$1`, driverID, decision, forceOffline)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	if forceOffline {
		if err := s.presence.Deactivate(ctx, driverID); err != nil {
			log.Printf("[identity] geo deactivate %s: %v", driverID, err)
		}
	}

	go func() {
		ev := events.VerificationDecidedEvent{DriverID: driverID, Decision: decision}
		if err := s.events.Publish(context.Background(), kafka.TopicVerificationDecided, driverID, ev); err != nil {
			log.Printf("[identity] failed to publish verification.decided: %v", err)
		}
	}()

	return s.Driver(ctx, driverID)
}
