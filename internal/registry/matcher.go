package registry

import "github.com/kal997/block-notification-server/internal/models"

// Lookup is the read side of the registry used for matching
type Lookup interface {
	SubscribersFor(block models.BlockID, op models.Operation) []models.SubscriberID
}

// Match returns the subscribers whose subscription on n's block covers n's
// operation. A block nobody watches yields an empty slice.
func Match(l Lookup, n models.Notification) []models.SubscriberID {
	if l == nil {
		return nil
	}
	return l.SubscribersFor(n.BlockID, n.Op)
}
