package storage

import (
	"context"

	"github.com/kal997/block-notification-server/internal/models"
)

// Storage is the producer side of the pipeline: a block store whose
// operations surface as block events
type Storage interface {
	// Write stores data under the block's key
	Write(ctx context.Context, block models.BlockID, data []byte) error

	// Delete removes the block's key
	Delete(ctx context.Context, block models.BlockID) error

	// Emit announces an operation without touching the key
	Emit(ctx context.Context, block models.BlockID, op string, payload []byte) error

	// HealthCheck verifies storage connectivity
	HealthCheck(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}
