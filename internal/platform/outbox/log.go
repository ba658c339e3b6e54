package outbox

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes events to the log. It is the default sink when no
// broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID.String()).
		Str("event_type", e.EventType).
		Str("aggregate_type", e.AggregateType).
		Str("aggregate_id", e.AggregateID.String()).
		RawJSON("payload", e.Payload).
		Msg("change event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
