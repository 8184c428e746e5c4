package mailsync

import (
	"fmt"
	"time"
)

// Config bounds the work of one run.
type Config struct {
	// FullSyncWindow is how far back a full sync looks.
	FullSyncWindow time.Duration
	// MaxMessages caps the messages processed per run.
	MaxMessages int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		FullSyncWindow: 30 * 24 * time.Hour,
		MaxMessages:    2000,
	}
}

func (c Config) Validate() error {
	if c.FullSyncWindow <= 0 {
		return fmt.Errorf("full sync window must be positive, got %s", c.FullSyncWindow)
	}
	if c.MaxMessages <= 0 {
		return fmt.Errorf("max messages must be positive, got %d", c.MaxMessages)
	}
	return nil
}
