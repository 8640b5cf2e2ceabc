package eligibility

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-service/internal/events"
	"dispatch-service/internal/identity"
	"dispatch-service/pkg/kafka"
)

// DriverDelister removes a lapsed driver from the geo index so stale drivers
// never stay visible to matching.
type DriverDelister interface {
	Deactivate(ctx context.Context, driverID string) error
}

// Sweeper expires lapsed subscriptions. It is stateless per call and driven
// by an external periodic trigger.
type Sweeper struct {
	db     *pgxpool.Pool
	geo    DriverDelister
	events *kafka.Client
	now    func() time.Time
}

// NewSweeper creates a subscription sweeper.
func NewSweeper(db *pgxpool.Pool, geo DriverDelister, ev *kafka.Client) *Sweeper {
	return &Sweeper{db: db, geo: geo, events: ev, now: time.Now}
}

// SweepExpired transitions every active subscription whose end date has
// passed to expired. Lapsed drivers are additionally forced offline and
// removed from the geo index. One subscription.expired event is emitted per
// transition. Idempotent: an already-expired profile never matches again.
func (s *Sweeper) SweepExpired(ctx context.Context) error {
	now := s.now()

	riderIDs, err := s.sweepRiders(ctx, now)
	if err != nil {
		return err
	}
	driverIDs, err := s.sweepDrivers(ctx, now)
	if err != nil {
		return err
	}

	for _, id := range driverIDs {
		if err := s.geo.Deactivate(ctx, id); err != nil {
			log.Printf("[eligibility] geo deactivate %s: %v", id, err)
		}
	}

	s.publish(riderIDs, identity.RoleRider, now)
	s.publish(driverIDs, identity.RoleDriver, now)

	if n := len(riderIDs) + len(driverIDs); n > 0 {
		log.Printf("[eligibility] expired %d subscription(s)", n)
	}
	return nil
}

func (s *Sweeper) sweepRiders(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE rider_profiles SET subscription_status=$1
		 WHERE subscription_status=$2 AND subscription_end_date < $3
		 RETURNING user_id`,
		identity.SubscriptionExpired, identity.SubscriptionActive, now)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *Sweeper) sweepDrivers(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE driver_profiles
		 SET subscription_status=$1, is_online=FALSE, is_available=FALSE
		 WHERE subscription_status=$2 AND subscription_end_date < $3
		 RETURNING user_id`,
		identity.SubscriptionExpired, identity.SubscriptionActive, now)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *Sweeper) publish(ids []string, role string, now time.Time) {
	for _, id := range ids {
		ev := events.SubscriptionExpiredEvent{
			UserID:    id,
			Role:      role,
			ExpiredAt: now.Format(time.RFC3339),
		}
		go func(id string) {
			if err := s.events.Publish(context.Background(), kafka.TopicSubscriptionExpired, id, ev); err != nil {
				log.Printf("[eligibility] failed to publish subscription.expired: %v", err)
			}
		}(id)
	}
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
