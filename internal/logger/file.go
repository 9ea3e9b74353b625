package logger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kal997/block-notification-server/internal/models"
)

// TimestampLayout prefixes every journal line
const TimestampLayout = "2006-01-02 15:04:05.000000"

// FileJournal implements Journal as an append-only text file
type FileJournal struct {
	file   *os.File
	mutex  sync.Mutex
	closed bool
}

// NewFileJournal opens (or creates) path for appending
func NewFileJournal(path string) (*FileJournal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &FileJournal{
		file: file,
	}, nil
}

// FormatNotification renders n as a single journal line body
func FormatNotification(n models.Notification) string {
	return fmt.Sprintf("seq=%d block=%d op=%s payload_bytes=%d",
		n.Seq, n.BlockID, n.Op, len(n.Payload))
}

// Record writes a timestamped line for n
func (fj *FileJournal) Record(ctx context.Context, n models.Notification) error {
	fj.mutex.Lock()
	defer fj.mutex.Unlock()

	if fj.closed {
		return fmt.Errorf("journal is closed")
	}

	timestamp := time.Now().Format(TimestampLayout)
	line := fmt.Sprintf("%s - %s\n", timestamp, FormatNotification(n))

	if _, err := fj.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to journal file: %w", err)
	}

	return fj.file.Sync()
}

// Close closes the journal file
func (fj *FileJournal) Close() error {
	fj.mutex.Lock()
	defer fj.mutex.Unlock()

	if fj.closed {
		return nil
	}

	fj.closed = true
	return fj.file.Close()
}
