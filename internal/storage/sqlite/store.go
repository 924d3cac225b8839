// Package sqlite provides a SQLite-backed participant and trial store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	"github.com/lehigh-university-libraries/readerstudy/internal/platform/storage/sqlitemigrate"
	"github.com/lehigh-university-libraries/readerstudy/internal/storage"
	"github.com/lehigh-university-libraries/readerstudy/internal/storage/sqlite/migrations"
)

// Store persists participants and trials in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// GetParticipant loads a participant with both completion maps.
func (s *Store) GetParticipant(ctx context.Context, participantID string) (models.Participant, error) {
	if err := s.ready(ctx); err != nil {
		return models.Participant{}, err
	}

	var (
		p              models.Participant
		group, phase   string
		seq, seqPhase2 string
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id, treatment_group, current_phase, image_sequence, image_sequence_phase2,
		        phase1_completed_at, phase2_completed_at
		   FROM participants WHERE user_id = ?`,
		participantID,
	).Scan(&p.UserID, &group, &phase, &seq, &seqPhase2, &p.Phase1CompletedAt, &p.Phase2CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Participant{}, storage.ErrNotFound
		}
		return models.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	p.TreatmentGroup = models.TreatmentGroup(group)
	p.CurrentPhase = models.Phase(phase)
	if err := json.Unmarshal([]byte(seq), &p.ImageSequence); err != nil {
		return models.Participant{}, fmt.Errorf("decode image sequence: %w", err)
	}
	if err := json.Unmarshal([]byte(seqPhase2), &p.ImageSequencePhase2); err != nil {
		return models.Participant{}, fmt.Errorf("decode phase 2 image sequence: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT phase, trial_id FROM completed_trials WHERE user_id = ?`, participantID)
	if err != nil {
		return models.Participant{}, fmt.Errorf("list completed trials: %w", err)
	}
	defer rows.Close()

	p.CompletedTrials = map[string]bool{}
	p.CompletedTrialsPhase2 = map[string]bool{}
	for rows.Next() {
		var phase, trialID string
		if err := rows.Scan(&phase, &trialID); err != nil {
			return models.Participant{}, fmt.Errorf("scan completed trial: %w", err)
		}
		if models.Phase(phase) == models.Phase2 {
			p.CompletedTrialsPhase2[trialID] = true
		} else {
			p.CompletedTrials[trialID] = true
		}
	}
	if err := rows.Err(); err != nil {
		return models.Participant{}, fmt.Errorf("iterate completed trials: %w", err)
	}
	return p, nil
}

// PutParticipant upserts the participant row and merges its completion keys.
func (s *Store) PutParticipant(ctx context.Context, p models.Participant) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("participant user id is required")
	}
	seq, err := json.Marshal(nonNil(p.ImageSequence))
	if err != nil {
		return fmt.Errorf("encode image sequence: %w", err)
	}
	seqPhase2, err := json.Marshal(nonNil(p.ImageSequencePhase2))
	if err != nil {
		return fmt.Errorf("encode phase 2 image sequence: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin participant write: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(s.now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (
		   user_id, treatment_group, current_phase, image_sequence, image_sequence_phase2,
		   phase1_completed_at, phase2_completed_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   treatment_group = excluded.treatment_group,
		   current_phase = excluded.current_phase,
		   image_sequence = excluded.image_sequence,
		   image_sequence_phase2 = excluded.image_sequence_phase2,
		   phase1_completed_at = excluded.phase1_completed_at,
		   phase2_completed_at = excluded.phase2_completed_at,
		   updated_at = excluded.updated_at`,
		p.UserID, string(p.TreatmentGroup), string(p.CurrentPhase), string(seq), string(seqPhase2),
		p.Phase1CompletedAt, p.Phase2CompletedAt, now,
	); err != nil {
		return fmt.Errorf("put participant: %w", err)
	}

	for phase, keys := range map[models.Phase]map[string]bool{
		models.Phase1: p.CompletedTrials,
		models.Phase2: p.CompletedTrialsPhase2,
	} {
		for trialID, done := range keys {
			if !done {
				continue
			}
			if err := markCompleted(ctx, tx, p.UserID, phase, trialID, now); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit participant write: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markCompleted(ctx context.Context, db execer, participantID string, phase models.Phase, trialID string, now int64) error {
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO completed_trials (user_id, phase, trial_id, completed_at) VALUES (?, ?, ?, ?)`,
		participantID, string(phase), trialID, now,
	); err != nil {
		return fmt.Errorf("mark trial completed: %w", err)
	}
	return nil
}

// SaveTrial upserts the record under (participant, trial id).
func (s *Store) SaveTrial(ctx context.Context, participantID string, record models.TrialRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(record.TrialID) == "" {
		return fmt.Errorf("trial id is required")
	}
	if err := s.exists(ctx, participantID); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode trial record: %w", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO trials (user_id, trial_id, phase, trial_index, record_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, trial_id) DO UPDATE SET
		   phase = excluded.phase,
		   trial_index = excluded.trial_index,
		   record_json = excluded.record_json,
		   updated_at = excluded.updated_at`,
		participantID, record.TrialID, string(record.Phase), record.TrialIndex, string(payload), toMillis(s.now()),
	); err != nil {
		return fmt.Errorf("save trial: %w", err)
	}
	return nil
}

// MarkTrialCompleted adds one completion key; repeating it is a no-op.
func (s *Store) MarkTrialCompleted(ctx context.Context, participantID string, phase models.Phase, trialID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.exists(ctx, participantID); err != nil {
		return err
	}
	if phase != models.Phase2 {
		phase = models.Phase1
	}
	return markCompleted(ctx, s.sqlDB, participantID, phase, trialID, toMillis(s.now()))
}

func (s *Store) exists(ctx context.Context, participantID string) error {
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM participants WHERE user_id = ?`, participantID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	return nil
}

// GetTrial returns one record.
func (s *Store) GetTrial(ctx context.Context, participantID, trialID string) (models.TrialRecord, error) {
	if err := s.ready(ctx); err != nil {
		return models.TrialRecord{}, err
	}
	var payload string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT record_json FROM trials WHERE user_id = ? AND trial_id = ?`, participantID, trialID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TrialRecord{}, storage.ErrNotFound
		}
		return models.TrialRecord{}, fmt.Errorf("get trial: %w", err)
	}
	var r models.TrialRecord
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return models.TrialRecord{}, fmt.Errorf("decode trial record: %w", err)
	}
	return r, nil
}

// ListTrials returns the participant's records ordered by phase and index.
func (s *Store) ListTrials(ctx context.Context, participantID string) ([]models.TrialRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT record_json FROM trials WHERE user_id = ? ORDER BY phase, trial_index`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	var out []models.TrialRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		var r models.TrialRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode trial record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	return out, nil
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
