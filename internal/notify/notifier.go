// Package notify consumes the dispatch event stream and fans lifecycle
// changes out to trip subscribers. Delivery channels beyond the WebSocket
// hub (push, SMS) hang off the same consumer.
package notify

import (
	"context"
	"encoding/json"
	"log"

	"dispatch-service/internal/events"
	"dispatch-service/pkg/kafka"
)

const consumerGroup = "notify-group"

// StatusBroadcaster is the slice of the tracking hub the notifier needs.
type StatusBroadcaster interface {
	BroadcastStatus(tripID, status string)
}

// Notifier bridges Kafka trip events to connected subscribers.
type Notifier struct {
	kafka *kafka.Client
	hub   StatusBroadcaster
}

// NewNotifier creates a notifier.
func NewNotifier(k *kafka.Client, hub StatusBroadcaster) *Notifier {
	return &Notifier{kafka: k, hub: hub}
}

// Start begins consuming trip lifecycle topics in background goroutines.
// Consumers stop when ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	n.kafka.Subscribe(ctx, kafka.TopicTripAccepted, consumerGroup, func(data []byte) error {
		var ev events.TripAcceptedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		log.Printf("[notify] trip %s accepted by driver %s", ev.TripID, ev.DriverID)
		n.hub.BroadcastStatus(ev.TripID, "accepted")
		return nil
	})

	n.kafka.Subscribe(ctx, kafka.TopicTripCompleted, consumerGroup, func(data []byte) error {
		var ev events.TripCompletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		log.Printf("[notify] trip %s completed, fare %.2f", ev.TripID, ev.Fare)
		n.hub.BroadcastStatus(ev.TripID, "completed")
		return nil
	})

	n.kafka.Subscribe(ctx, kafka.TopicTripCancelled, consumerGroup, func(data []byte) error {
		var ev events.TripCancelledEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		log.Printf("[notify] trip %s cancelled: %s", ev.TripID, ev.Reason)
		n.hub.BroadcastStatus(ev.TripID, "cancelled")
		return nil
	})

	n.kafka.Subscribe(ctx, kafka.TopicTripRefunded, consumerGroup, func(data []byte) error {
		var ev events.TripRefundedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		log.Printf("[notify] trip %s refunded %.2f (txn %s)", ev.TripID, ev.Amount, ev.TransactionID)
		n.hub.BroadcastStatus(ev.TripID, "refunded")
		return nil
	})

	n.kafka.Subscribe(ctx, kafka.TopicSubscriptionExpired, consumerGroup, func(data []byte) error {
		var ev events.SubscriptionExpiredEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		log.Printf("[notify] subscription expired for %s %s", ev.Role, ev.UserID)
		return nil
	})
}
