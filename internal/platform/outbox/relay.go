package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	// Retention is how long published events are kept; zero keeps them.
	Retention time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Relay polls the Store and hands pending events to a Publisher.
type Relay struct {
	store  Store
	pub    Publisher
	cfg    RelayConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewRelay(store Store, pub Publisher, cfg RelayConfig, logger zerolog.Logger) *Relay {
	return &Relay{
		store:  store,
		pub:    pub,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "outbox_relay").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run drains the outbox every PollInterval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Int("max_retries", r.cfg.MaxRetries).
		Msg("outbox relay started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox drain failed")
		}
		if r.cfg.Retention > 0 {
			r.purge(ctx)
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain publishes one batch. After a failed publish the remaining events of
// the same aggregate are left for the next pass so consumers never see them
// out of order.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	events, err := r.store.Pending(ctx, r.cfg.BatchSize, r.cfg.MaxRetries)
	if err != nil {
		return 0, err
	}

	published := 0
	blocked := make(map[string]bool)
	for _, e := range events {
		if blocked[e.Key()] {
			continue
		}
		if err := r.pub.Publish(ctx, e); err != nil {
			blocked[e.Key()] = true
			r.logger.Warn().Err(err).
				Str("event_id", e.ID.String()).
				Str("event_type", e.EventType).
				Int("retry_count", e.RetryCount+1).
				Msg("outbox publish failed")
			if err := r.store.MarkFailed(ctx, e.ID, err.Error()); err != nil {
				return published, err
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, e.ID, r.now()); err != nil {
			return published, err
		}
		published++
	}

	if published > 0 {
		r.logger.Debug().Int("published", published).Msg("outbox batch published")
	}
	return published, nil
}

func (r *Relay) purge(ctx context.Context) {
	n, err := r.store.Purge(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Warn().Err(err).Msg("outbox purge failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int64("deleted", n).Msg("outbox purged")
	}
}
