package notifier

import (
	"github.com/kal997/block-notification-server/internal/endpoint"
	"github.com/kal997/block-notification-server/internal/models"
)

// Publisher is the boundary the storage engine uses to push block operation
// events into the notification pipeline.
type Publisher interface {
	// Publish ingests one event and returns without waiting for delivery
	Publish(block models.BlockID, op models.Operation, payload []byte) models.Notification
}

// SubscriptionManager is the boundary the subscriber transport uses. Every call is
// one-way: there is no acknowledgement.
type SubscriptionManager interface {
	// Connect registers a new subscriber endpoint backed by sender
	Connect(sender endpoint.Sender) *endpoint.Handle

	// Subscribe adds ops to the subscriber's subscription on block
	Subscribe(sub models.SubscriberID, block models.BlockID, ops []string)

	// Unsubscribe removes ops from the subscriber's subscription on block
	Unsubscribe(sub models.SubscriberID, block models.BlockID, ops []string)

	// Disconnect closes the subscriber's endpoint and purges its subscriptions
	Disconnect(sub models.SubscriberID)
}
