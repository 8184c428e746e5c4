package syncjob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "zero heartbeat interval", modify: func(c *Config) { c.HeartbeatInterval = 0 }, wantErr: true},
		{name: "negative task age", modify: func(c *Config) { c.MaxTaskAge = -time.Minute }, wantErr: true},
		{name: "zero write timeout", modify: func(c *Config) { c.WriteTimeout = 0 }, wantErr: true},
		{name: "liveness window below two beats", modify: func(c *Config) { c.LivenessWindow = 29 * time.Second }, wantErr: true},
		{name: "liveness window exactly two beats", modify: func(c *Config) { c.LivenessWindow = 30 * time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecutionError(t *testing.T) {
	cause := assert.AnError

	tests := []struct {
		name string
		err  *ExecutionError
		want string
	}{
		{name: "wrapped", err: &ExecutionError{TaskID: "t", Err: cause}, want: cause.Error()},
		{name: "panic", err: &ExecutionError{TaskID: "t", Panic: "nil map"}, want: "sync panicked: nil map"},
		{name: "empty", err: &ExecutionError{TaskID: "t"}, want: "sync failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
	assert.ErrorIs(t, &ExecutionError{Err: cause}, cause)
}
