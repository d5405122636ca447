// Package feedbus consumes feedback scores from the platform message bus.
//
// The evaluation pipeline publishes quality scores for completed analysis
// requests on a NATS subject; the subscriber applies each score to the
// reasoning bank. Delivery is core NATS at-most-once: a score lost to a
// crash is acceptable, reward blending is advisory.
package feedbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/bank"
)

// Applier applies a feedback score. bank.Service satisfies it.
type Applier interface {
	RecordFeedback(ctx context.Context, fb *bank.Feedback) ([]*bank.Pattern, error)
}

// Config holds feedback bus configuration.
type Config struct {
	// Enabled turns the subscriber on.
	Enabled bool `koanf:"enabled"`

	// URL is the NATS server URL.
	URL string `koanf:"url"`

	// Subject is the subject feedback scores arrive on.
	Subject string `koanf:"subject"`

	// Queue is the queue group, so replicas split the stream instead of
	// double-applying scores.
	Queue string `koanf:"queue"`

	// ApplyTimeout bounds one score application.
	ApplyTimeout time.Duration `koanf:"apply_timeout"`
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "patternbank.feedback"
	}
	if c.Queue == "" {
		c.Queue = "patternbank"
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 10 * time.Second
	}
}

// message is the wire format of one feedback score.
type message struct {
	RequestID string  `json:"request_id"`
	Score     float64 `json:"score"`
	Automated bool    `json:"automated"`
}

// Subscriber consumes feedback scores and applies them to the bank.
type Subscriber struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	applier Applier
	config  Config
	logger  *zap.Logger
}

// Start connects to NATS and subscribes. The returned subscriber must be
// closed to drain in-flight messages.
func Start(cfg Config, applier Applier, logger *zap.Logger) (*Subscriber, error) {
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("patternbank-feedbus"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}

	s := &Subscriber{
		conn:    conn,
		applier: applier,
		config:  cfg,
		logger:  logger.Named("feedbus"),
	}
	sub, err := conn.QueueSubscribe(cfg.Subject, cfg.Queue, s.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", cfg.Subject, err)
	}
	s.sub = sub

	s.logger.Info("feedback bus subscribed",
		zap.String("subject", cfg.Subject),
		zap.String("queue", cfg.Queue))
	return s, nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	var m message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Warn("dropping malformed feedback message", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ApplyTimeout)
	defer cancel()

	fb := bank.NewFeedback(m.RequestID, m.Score, m.Automated)
	updated, err := s.applier.RecordFeedback(ctx, fb)
	if err != nil {
		s.logger.Warn("feedback score not applied",
			zap.String("request_id", m.RequestID),
			zap.Float64("score", m.Score),
			zap.Error(err))
		return
	}
	s.logger.Debug("feedback score applied",
		zap.String("request_id", m.RequestID),
		zap.Float64("score", m.Score),
		zap.Int("patterns", len(updated)))
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.conn.Close()
			return fmt.Errorf("draining subscription: %w", err)
		}
	}
	s.conn.Close()
	return nil
}
