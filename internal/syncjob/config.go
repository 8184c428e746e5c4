package syncjob

import (
	"fmt"
	"time"
)

// Config holds the timing parameters of the controller and its heartbeat
// workers.
type Config struct {
	// HeartbeatInterval is how often a running job refreshes its row.
	HeartbeatInterval time.Duration
	// LivenessWindow is the largest heartbeat age at which a running job is
	// still reused by Start.
	LivenessWindow time.Duration
	// MaxTaskAge is the largest job age at which a running job is still reused.
	MaxTaskAge time.Duration
	// WriteTimeout bounds each heartbeat and terminal write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		LivenessWindow:    60 * time.Second,
		MaxTaskAge:        30 * time.Minute,
		WriteTimeout:      5 * time.Second,
	}
}

// Validate rejects non-positive durations and a liveness window shorter than
// two heartbeat intervals.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MaxTaskAge <= 0 {
		return fmt.Errorf("max task age must be positive, got %s", c.MaxTaskAge)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.LivenessWindow < 2*c.HeartbeatInterval {
		return fmt.Errorf("liveness window %s must be at least twice the heartbeat interval %s", c.LivenessWindow, c.HeartbeatInterval)
	}
	return nil
}
