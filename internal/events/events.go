// Package events announces committed trials to downstream consumers.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lehigh-university-libraries/readerstudy/internal/models"
)

const TypeTrialCommitted = "trial.committed"

// Event is the envelope published after a trial record has been stored.
type Event struct {
	ID            string              `json:"id"`
	Type          string              `json:"type"`
	ParticipantID string              `json:"participantId"`
	OccurredAt    time.Time           `json:"occurredAt"`
	Trial         *models.TrialRecord `json:"trial,omitempty"`
}

// TrialCommitted builds the event for a stored trial record.
func TrialCommitted(participantID string, record models.TrialRecord, at time.Time) Event {
	return Event{
		ID:            uuid.New().String(),
		Type:          TypeTrialCommitted,
		ParticipantID: participantID,
		OccurredAt:    at.UTC(),
		Trial:         &record,
	}
}

// Publisher delivers events. Publishing is best effort: callers log a
// failure and carry on, the stored record is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// LogPublisher writes events to a structured logger. It is the default when
// no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	attrs := []any{
		"id", e.ID,
		"type", e.Type,
		"participant", e.ParticipantID,
	}
	if e.Trial != nil {
		attrs = append(attrs,
			"trial", e.Trial.TrialID,
			"diagnosis", e.Trial.FinalDiagnosis,
			"confidence", e.Trial.FinalConfidence,
			"reverted", e.Trial.RevertedDecision,
		)
	}
	p.logger().InfoContext(ctx, "Event published", attrs...)
	return nil
}

func (LogPublisher) Close() {}
