package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

// LogPublisher writes activity events to the structured log. It is the sink
// used when no webhook is configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: logger.With().Str("component", "activity").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, event domain.ActivityEvent) error {
	ev := p.log.Info()
	if event.Outcome == domain.OutcomeFailure {
		ev = p.log.Warn().Str("error", event.Error)
	}
	ev.Str("event_id", event.EventID).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID).
		Str("organization_id", event.OrganizationID).
		Str("actor_id", event.ActorID).
		Str("action", string(event.Action)).
		Str("outcome", string(event.Outcome)).
		Dur("duration", event.Duration).
		Time("occurred_at", event.OccurredAt).
		Msg("api key activity")
	return nil
}
