package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lehigh-university-libraries/readerstudy/internal/events"
	"github.com/lehigh-university-libraries/readerstudy/internal/models"
)

func TestTrialCommittedEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	record := models.TrialRecord{TrialID: "trial_3", FinalDiagnosis: models.DiagnosisYes}

	e := events.TrialCommitted("user-1", record, at)
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Fatalf("Expected UUID event id, got %q: %v", e.ID, err)
	}
	if e.Type != events.TypeTrialCommitted || e.ParticipantID != "user-1" {
		t.Errorf("Unexpected envelope %+v", e)
	}
	if e.OccurredAt.Location() != time.UTC || !e.OccurredAt.Equal(at) {
		t.Errorf("Expected UTC timestamp equal to %v, got %v", at, e.OccurredAt)
	}
	if e.Trial == nil || e.Trial.TrialID != "trial_3" {
		t.Errorf("Expected trial payload, got %+v", e.Trial)
	}

	other := events.TrialCommitted("user-1", record, at)
	if other.ID == e.ID {
		t.Error("Expected distinct event ids")
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := events.LogPublisher{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	defer p.Close()

	e := events.TrialCommitted("user-2", models.TrialRecord{TrialID: "p2_trial_1", FinalConfidence: 6}, time.Now())
	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if line["participant"] != "user-2" || line["trial"] != "p2_trial_1" || line["type"] != events.TypeTrialCommitted {
		t.Errorf("Unexpected log attributes %v", line)
	}
	if line["confidence"] != float64(6) {
		t.Errorf("Expected confidence 6, got %v", line["confidence"])
	}
}

func TestKafkaPublisherRequiresBrokersAndTopic(t *testing.T) {
	if _, err := events.NewKafkaPublisher(events.KafkaConfig{Topic: "trials"}); err == nil {
		t.Error("Expected error without brokers")
	}
	if _, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("Expected error without topic")
	}
}
