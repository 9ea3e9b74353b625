package logger

import (
	"context"

	"github.com/kal997/block-notification-server/internal/models"
)

// Journal records received notifications
type Journal interface {
	// Record appends one notification to the journal
	Record(ctx context.Context, n models.Notification) error

	// Close closes the journal and any resources
	Close() error
}
