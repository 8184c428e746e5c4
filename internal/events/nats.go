package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultSubjectPrefix  = "inboxsync"
	DefaultPublishTimeout = 5 * time.Second
	// DefaultStreamMaxAge bounds how long a JetStream stream keeps events.
	DefaultStreamMaxAge = 7 * 24 * time.Hour
)

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	// Stream, when set, is created or updated to capture every sync subject
	// and events are published through JetStream with de-duplication by ID.
	Stream         string
	PublishTimeout time.Duration
}

// NATSPublisher publishes events on <prefix>.sync.<type>.
type NATSPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	prefix  string
	timeout time.Duration
	owned   bool
	logger  *slog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// ConnectNATS dials cfg.URL and returns a publisher that owns the connection.
func ConnectNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("inboxsync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p, err := NewNATSPublisher(ctx, nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership
// of nc.
func NewNATSPublisher(ctx context.Context, nc *nats.Conn, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &NATSPublisher{
		nc:      nc,
		prefix:  cfg.SubjectPrefix,
		timeout: cfg.PublishTimeout,
		logger:  logger,
	}
	if p.prefix == "" {
		p.prefix = DefaultSubjectPrefix
	}
	if p.timeout <= 0 {
		p.timeout = DefaultPublishTimeout
	}

	if cfg.Stream != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{p.prefix + ".sync.>"},
			MaxAge:     DefaultStreamMaxAge,
			Duplicates: 2 * time.Minute,
		}); err != nil {
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
		}
		p.js = js
	}
	return p, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(typ Type) string {
	return p.prefix + ".sync." + string(typ)
}

// Publish sends ev. With a stream configured it waits for the JetStream
// acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(ev.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	if p.js == nil {
		if err := p.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}
