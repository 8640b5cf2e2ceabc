// Package locations owns the append-only location trail recorded during a
// trip and the mirror into the driver position cache.
package locations

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-service/internal/geo"
	"dispatch-service/internal/tracking"
	"dispatch-service/internal/trips"
	"dispatch-service/pkg/validation"
)

var (
	ErrInvalidLocation = errors.New("coordinates out of range")
	ErrDriverMismatch  = errors.New("sample driver does not match trip driver")
)

// Recorder appends location samples and forwards live positions.
type Recorder struct {
	db    *pgxpool.Pool
	geo   *geo.Index
	trips *trips.Ledger
	hub   *tracking.Hub
}

// NewRecorder creates a location recorder.
func NewRecorder(db *pgxpool.Pool, gi *geo.Index, tl *trips.Ledger, hub *tracking.Hub) *Recorder {
	return &Recorder{db: db, geo: gi, trips: tl, hub: hub}
}

// Record appends a sample for a trip. While the trip is underway the point is
// also forwarded to the geo index (last-write-wins on the sample timestamp)
// and broadcast to tracking subscribers. Late samples for terminal trips are
// still stored for audit completeness but never touch the index.
func (r *Recorder) Record(ctx context.Context, tripID, driverID string, in RecordInput) (*Sample, error) {
	if !validation.ValidateCoordinates(in.Lat, in.Lng) {
		return nil, ErrInvalidLocation
	}

	status, tripDriver, err := r.trips.StatusAndDriver(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if tripDriver == nil || *tripDriver != driverID {
		return nil, ErrDriverMismatch
	}

	recordedAt := in.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	s := &Sample{
		TripID:     tripID,
		DriverID:   driverID,
		Point:      geo.Point{Lat: in.Lat, Lng: in.Lng},
		SpeedKmh:   in.SpeedKmh,
		HeadingDeg: in.HeadingDeg,
		AccuracyM:  in.AccuracyM,
		RecordedAt: recordedAt,
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO location_samples (trip_id,driver_id,lat,lng,speed_kmh,heading_deg,accuracy_m,recorded_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 RETURNING id`,
		s.TripID, s.DriverID, s.Point.Lat, s.Point.Lng,
		s.SpeedKmh, s.HeadingDeg, s.AccuracyM, s.RecordedAt).Scan(&s.ID)
	if err != nil {
		return nil, err
	}

	if status.Active() {
		applied, err := r.geo.UpdateDriverPosition(ctx, driverID, s.Point, s.RecordedAt)
		if err != nil {
			log.Printf("[locations] position update %s: %v", driverID, err)
		} else if applied {
			r.mirrorProfilePosition(ctx, driverID, s.Point)
		}
		r.hub.BroadcastLocation(tripID, s.Point.Lat, s.Point.Lng, s.RecordedAt)
	}
	return s, nil
}

// mirrorProfilePosition keeps the profile's current-location columns in step
// with the applied (newest) sample.
func (r *Recorder) mirrorProfilePosition(ctx context.Context, driverID string, p geo.Point) {
	if _, err := r.db.Exec(ctx,
		`UPDATE driver_profiles SET current_lat=$1, current_lng=$2 WHERE user_id=$3`,
		p.Lat, p.Lng, driverID); err != nil {
		log.Printf("[locations] profile position %s: %v", driverID, err)
	}
}

// Trail returns the full sample sequence for a trip ordered by recording
// time: the dispute and safety evidence trail.
func (r *Recorder) Trail(ctx context.Context, tripID string) ([]Sample, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id,trip_id,driver_id,lat,lng,speed_kmh,heading_deg,accuracy_m,recorded_at
		 FROM location_samples WHERE trip_id=$1 ORDER BY recorded_at`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.ID, &s.TripID, &s.DriverID,
			&s.Point.Lat, &s.Point.Lng,
			&s.SpeedKmh, &s.HeadingDeg, &s.AccuracyM, &s.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
