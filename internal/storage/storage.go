// Package storage defines the persistence contract for participants and
// trial records, with an in-memory implementation.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lehigh-university-libraries/readerstudy/internal/models"
)

// ErrNotFound is returned when a participant or trial does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists participants and their trial records.
//
// SaveTrial overwrites by trial id, so a retried commit never duplicates a
// record. MarkTrialCompleted merges a single key into the phase's completion
// map and never removes keys.
type Store interface {
	GetParticipant(ctx context.Context, participantID string) (models.Participant, error)
	PutParticipant(ctx context.Context, p models.Participant) error
	SaveTrial(ctx context.Context, participantID string, record models.TrialRecord) error
	MarkTrialCompleted(ctx context.Context, participantID string, phase models.Phase, trialID string) error
	GetTrial(ctx context.Context, participantID, trialID string) (models.TrialRecord, error)
	ListTrials(ctx context.Context, participantID string) ([]models.TrialRecord, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	participants map[string]models.Participant
	trials       map[string]map[string]models.TrialRecord
	mu           sync.RWMutex
}

func New() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]models.Participant),
		trials:       make(map[string]map[string]models.TrialRecord),
	}
}

func (s *MemoryStore) GetParticipant(ctx context.Context, participantID string) (models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return models.Participant{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.participants[participantID]
	if !exists {
		return models.Participant{}, ErrNotFound
	}
	return cloneParticipant(p), nil
}

// PutParticipant writes the participant. Completion keys already stored are
// kept.
func (s *MemoryStore) PutParticipant(ctx context.Context, p models.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.UserID == "" {
		return errors.New("participant user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneParticipant(p)
	if prev, exists := s.participants[p.UserID]; exists {
		next.CompletedTrials = mergeKeys(prev.CompletedTrials, next.CompletedTrials)
		next.CompletedTrialsPhase2 = mergeKeys(prev.CompletedTrialsPhase2, next.CompletedTrialsPhase2)
	}
	s.participants[p.UserID] = next
	return nil
}

func (s *MemoryStore) SaveTrial(ctx context.Context, participantID string, record models.TrialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.TrialID == "" {
		return errors.New("trial id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.participants[participantID]; !exists {
		return ErrNotFound
	}
	byID, ok := s.trials[participantID]
	if !ok {
		byID = make(map[string]models.TrialRecord)
		s.trials[participantID] = byID
	}
	byID[record.TrialID] = record
	return nil
}

func (s *MemoryStore) MarkTrialCompleted(ctx context.Context, participantID string, phase models.Phase, trialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.participants[participantID]
	if !exists {
		return ErrNotFound
	}
	if phase == models.Phase2 {
		if p.CompletedTrialsPhase2 == nil {
			p.CompletedTrialsPhase2 = make(map[string]bool)
		}
		p.CompletedTrialsPhase2[trialID] = true
	} else {
		if p.CompletedTrials == nil {
			p.CompletedTrials = make(map[string]bool)
		}
		p.CompletedTrials[trialID] = true
	}
	s.participants[participantID] = p
	return nil
}

func (s *MemoryStore) GetTrial(ctx context.Context, participantID, trialID string) (models.TrialRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.TrialRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, exists := s.trials[participantID][trialID]
	if !exists {
		return models.TrialRecord{}, ErrNotFound
	}
	return r, nil
}

// ListTrials returns the participant's records ordered by phase and index.
func (s *MemoryStore) ListTrials(ctx context.Context, participantID string) ([]models.TrialRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.TrialRecord, 0, len(s.trials[participantID]))
	for _, r := range s.trials[participantID] {
		result = append(result, r)
	}
	SortTrials(result)
	return result, nil
}

// SortTrials orders records by phase, then trial index.
func SortTrials(records []models.TrialRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Phase != records[j].Phase {
			return records[i].Phase < records[j].Phase
		}
		return records[i].TrialIndex < records[j].TrialIndex
	})
}

func cloneParticipant(p models.Participant) models.Participant {
	p.ImageSequence = append([]int(nil), p.ImageSequence...)
	p.ImageSequencePhase2 = append([]int(nil), p.ImageSequencePhase2...)
	p.CompletedTrials = mergeKeys(nil, p.CompletedTrials)
	p.CompletedTrialsPhase2 = mergeKeys(nil, p.CompletedTrialsPhase2)
	return p
}

func mergeKeys(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k, v := range a {
		if v {
			out[k] = true
		}
	}
	for k, v := range b {
		if v {
			out[k] = true
		}
	}
	return out
}
