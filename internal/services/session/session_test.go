package session_test

import (
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/readerstudy/internal/events"
	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/ai"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/session"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/trial"
	"github.com/lehigh-university-libraries/readerstudy/internal/storage"
	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

type predictions map[int]models.AIPrediction

func (p predictions) Resolve(_ context.Context, phase models.Phase, imageID int) models.AIPrediction {
	if pred, ok := p[imageID]; ok {
		return pred
	}
	return ai.Fallback(phase, imageID)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Close() {}

// flakyStore fails the next N writes of each kind.
type flakyStore struct {
	*storage.MemoryStore
	failSave int
	failMark int
}

func (f *flakyStore) SaveTrial(ctx context.Context, id string, r models.TrialRecord) error {
	if f.failSave > 0 {
		f.failSave--
		return errors.New("backend unavailable")
	}
	return f.MemoryStore.SaveTrial(ctx, id, r)
}

func (f *flakyStore) MarkTrialCompleted(ctx context.Context, id string, phase models.Phase, trialID string) error {
	if f.failMark > 0 {
		f.failMark--
		return errors.New("backend unavailable")
	}
	return f.MemoryStore.MarkTrialCompleted(ctx, id, phase, trialID)
}

func clock() func() time.Time {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(2 * time.Second)
		return now
	}
}

func putParticipant(t *testing.T, store storage.Store, p models.Participant) {
	t.Helper()
	if err := store.PutParticipant(context.Background(), p); err != nil {
		t.Fatalf("PutParticipant failed: %v", err)
	}
}

func TestVariantFor(t *testing.T) {
	tests := []struct {
		group models.TreatmentGroup
		phase models.Phase
		want  trial.Variant
	}{
		{models.GroupControl, models.Phase1, trial.VariantNoAI},
		{models.GroupAI, models.Phase1, trial.VariantAI},
		{models.GroupControl, models.Phase2, trial.VariantAI},
		{models.GroupAI, models.Phase2, trial.VariantNoAI},
	}
	for _, tt := range tests {
		if got := session.VariantFor(tt.group, tt.phase); got != tt.want {
			t.Errorf("VariantFor(%s, %s) = %s, want %s", tt.group, tt.phase, got, tt.want)
		}
	}
}

func TestTrialID(t *testing.T) {
	if got := session.TrialID(models.Phase1, 0); got != "trial_1" {
		t.Errorf("phase 1 id = %q", got)
	}
	if got := session.TrialID(models.Phase2, 4); got != "p2_trial_5" {
		t.Errorf("phase 2 id = %q", got)
	}
}

func TestResumeAtCompletedCount(t *testing.T) {
	store := storage.New()
	putParticipant(t, store, models.Participant{
		UserID:          "u1",
		TreatmentGroup:  models.GroupControl,
		CurrentPhase:    models.Phase1,
		ImageSequence:   []int{11, 12, 13, 14, 15},
		CompletedTrials: map[string]bool{"trial_1": true, "trial_2": true},
	})

	c := session.NewController(session.Options{TotalTrials: 5, Store: store, Predictions: predictions{}})
	v, err := c.Session("u1").Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if v.Progress.TrialIndex != 2 || v.Progress.Completed != 2 || v.Progress.Complete {
		t.Fatalf("Unexpected progress %+v", v.Progress)
	}
	if v.Trial == nil || v.Trial.TrialID != "trial_3" || v.Trial.ImageID != 13 {
		t.Fatalf("Expected trial_3 on image 13, got %+v", v.Trial)
	}
	if v.Trial.Variant != trial.VariantNoAI || v.Trial.Step != trial.StepInitial {
		t.Errorf("Expected fresh no-AI trial, got %s/%s", v.Trial.Variant, v.Trial.Step)
	}
}

func TestCompleteWhenCountReachesTotal(t *testing.T) {
	store := storage.New()
	done := map[string]bool{}
	for i := 0; i < 6; i++ {
		done[session.TrialID(models.Phase1, i)] = true
	}
	putParticipant(t, store, models.Participant{
		UserID:          "u1",
		TreatmentGroup:  models.GroupAI,
		CurrentPhase:    models.Phase1,
		ImageSequence:   []int{1, 2, 3, 4, 5, 6},
		CompletedTrials: done,
	})

	calls := 0
	c := session.NewController(session.Options{
		TotalTrials: 5,
		Store:       store,
		Predictions: predictions{},
		OnComplete:  func(string, models.Phase) { calls++ },
	})
	s := c.Session("u1")

	for i := 0; i < 2; i++ {
		v, err := s.Start(context.Background())
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if !v.Progress.Complete || v.Trial != nil {
			t.Fatalf("Expected completed session without trial, got %+v", v)
		}
	}
	if calls != 1 {
		t.Errorf("Expected one completion callback, got %d", calls)
	}

	_, err := s.Do(context.Background(), func(m *trial.Machine) error { return nil })
	if !perr.HasCode(err, perr.CodeSessionComplete) {
		t.Errorf("Expected SESSION_COMPLETE, got %v", err)
	}
}

func TestDoBeforeStart(t *testing.T) {
	c := session.NewController(session.Options{TotalTrials: 5, Store: storage.New(), Predictions: predictions{}})
	_, err := c.Session("nobody").Do(context.Background(), func(m *trial.Machine) error { return nil })
	if !perr.HasCode(err, perr.CodeSessionNotStarted) {
		t.Fatalf("Expected SESSION_NOT_STARTED, got %v", err)
	}
	_, err = c.Session("nobody").Start(context.Background())
	if !perr.HasCode(err, perr.CodeNotFound) {
		t.Fatalf("Expected NOT_FOUND for unknown participant, got %v", err)
	}
}

func TestFailedCommitKeepsAnswersAndRetryWritesSameTrial(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: storage.New(), failSave: 1, failMark: 1}
	putParticipant(t, store, models.Participant{
		UserID:         "u1",
		TreatmentGroup: models.GroupControl,
		CurrentPhase:   models.Phase1,
		ImageSequence:  []int{21, 22, 23},
	})
	rec := &recorder{}
	c := session.NewController(session.Options{
		TotalTrials: 3,
		Store:       store,
		Predictions: predictions{},
		Publisher:   rec,
		Now:         clock(),
	})
	s := c.Session("u1")
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	v, err := s.Do(ctx, func(m *trial.Machine) error {
		if err := m.SelectDiagnosis(models.DiagnosisNo); err != nil {
			return err
		}
		if err := m.SetConfidence(3); err != nil {
			return err
		}
		return m.SubmitInitial()
	})
	if !perr.HasCode(err, perr.CodePersistenceFailed) {
		t.Fatalf("Expected PERSISTENCE_FAILED, got %v", err)
	}
	if v.Progress.TrialIndex != 0 || v.Trial == nil || v.Trial.Step != trial.StepCommit {
		t.Fatalf("Expected to stay on trial 1 at commit, got %+v", v)
	}
	if v.Trial.InitialDiagnosis != models.DiagnosisNo || v.Trial.InitialConfidence != 3 {
		t.Errorf("Answers lost after failed commit: %+v", v.Trial)
	}

	// The save succeeds now but marking progress fails once more.
	if _, err := s.Commit(ctx); !perr.HasCode(err, perr.CodePersistenceFailed) {
		t.Fatalf("Expected second PERSISTENCE_FAILED, got %v", err)
	}
	first, err := store.GetTrial(ctx, "u1", "trial_1")
	if err != nil {
		t.Fatalf("Expected trial_1 stored after partial commit: %v", err)
	}

	v, err = s.Commit(ctx)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if v.Progress.TrialIndex != 1 || v.Trial == nil || v.Trial.TrialID != "trial_2" || v.Trial.ImageID != 22 {
		t.Fatalf("Expected to advance to trial_2, got %+v", v)
	}

	records, err := store.ListTrials(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected exactly one stored record, got %d", len(records))
	}
	r := records[0]
	if r.TrialID != "trial_1" || r.AIShown || r.Diagnosis != models.DiagnosisNo || r.FinalDiagnosis != r.Diagnosis {
		t.Errorf("Unexpected record %+v", r)
	}
	if !r.EndTime.Equal(first.EndTime) {
		t.Errorf("Retry rebuilt the record: end %v then %v", first.EndTime, r.EndTime)
	}

	p, err := store.GetParticipant(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.CompletedTrials["trial_1"] || len(p.CompletedTrials) != 1 {
		t.Errorf("Unexpected completion map %v", p.CompletedTrials)
	}
	if len(rec.events) != 1 || rec.events[0].Trial.TrialID != "trial_1" {
		t.Errorf("Expected one trial.committed event, got %+v", rec.events)
	}
}

func TestPhase2UsesOwnSequenceAndIDs(t *testing.T) {
	store := storage.New()
	putParticipant(t, store, models.Participant{
		UserID:                "u2",
		TreatmentGroup:        models.GroupAI,
		CurrentPhase:          models.Phase2,
		ImageSequence:         []int{1, 2},
		ImageSequencePhase2:   []int{7, 8},
		CompletedTrials:       map[string]bool{"trial_1": true, "trial_2": true},
		CompletedTrialsPhase2: map[string]bool{"p2_trial_1": true},
	})

	c := session.NewController(session.Options{TotalTrials: 2, Store: store, Predictions: predictions{}})
	v, err := c.Session("u2").Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if v.Progress.Phase != models.Phase2 || v.Progress.Completed != 1 {
		t.Fatalf("Unexpected progress %+v", v.Progress)
	}
	if v.Trial == nil || v.Trial.TrialID != "p2_trial_2" || v.Trial.ImageID != 8 || v.Trial.Variant != trial.VariantNoAI {
		t.Fatalf("Unexpected phase 2 trial %+v", v.Trial)
	}
}

func TestAITrialThroughSession(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "5.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 200, 200))); err != nil {
		t.Fatal(err)
	}
	f.Close()

	store := storage.New()
	putParticipant(t, store, models.Participant{
		UserID:         "u3",
		TreatmentGroup: models.GroupAI,
		CurrentPhase:   models.Phase1,
		ImageSequence:  []int{5},
	})
	preds := predictions{5: {
		ID:         "5.png",
		ImageName:  "/dataset/no_map/5.png",
		Diagnosis:  models.DiagnosisYes,
		Confidence: 0.9,
		Box:        &geometry.Box{X: 12, Y: 9, Width: 48, Height: 52},
	}}

	var completed []models.Phase
	c := session.NewController(session.Options{
		TotalTrials: 1,
		Store:       store,
		Predictions: preds,
		ImageDir:    dir,
		OnComplete:  func(_ string, p models.Phase) { completed = append(completed, p) },
		Now:         clock(),
	})
	s := c.Session("u3")
	v, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if v.Trial.Natural != (geometry.Size{Width: 200, Height: 200}) {
		t.Fatalf("Expected natural size from image file, got %v", v.Trial.Natural)
	}

	steps := []func(m *trial.Machine) error{
		func(m *trial.Machine) error { return m.Classify("box1", models.FindingPresent) },
		func(m *trial.Machine) error { return m.Classify("box2", models.FindingAbsent) },
		func(m *trial.Machine) error { return m.ActivateSlot("box1") },
		func(m *trial.Machine) error {
			tool := m.Tool()
			tool.SetLayout(geometry.Rect{Width: 200, Height: 200})
			tool.PointerDown(10, 10)
			tool.PointerMove(60, 60)
			tool.PointerUp(60, 60)
			return nil
		},
		func(m *trial.Machine) error { return m.SelectDiagnosis(models.DiagnosisYes) },
		func(m *trial.Machine) error { return m.SubmitInitial() },
		func(m *trial.Machine) error { return m.SubmitPreConfidence(5) },
	}
	for i, step := range steps {
		if v, err = s.Do(ctx, step); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	if v.Trial.Step != trial.StepFeedback || v.Trial.AI == nil {
		t.Fatalf("Expected AI revealed at feedback, got %+v", v.Trial)
	}
	if pct := v.Trial.Findings[0].IoUPercent; pct == nil || *pct != 92 {
		t.Errorf("Expected IoU 92%%, got %v", pct)
	}

	overlay, err := s.Overlay(100)
	if err != nil {
		t.Fatalf("Overlay failed: %v", err)
	}
	if overlay.Bounds().Dx() != 100 || overlay.Bounds().Dy() != 100 {
		t.Errorf("Unexpected overlay size %v", overlay.Bounds())
	}

	if _, err := s.Do(ctx, func(m *trial.Machine) error { return m.Continue() }); err != nil {
		t.Fatal(err)
	}
	v, err = s.Do(ctx, func(m *trial.Machine) error { return m.SubmitFinalConfidence(7) })
	if err != nil {
		t.Fatalf("Final confidence failed: %v", err)
	}
	if !v.Progress.Complete || v.Trial != nil {
		t.Fatalf("Expected session complete after last trial, got %+v", v)
	}
	if len(completed) != 1 || completed[0] != models.Phase1 {
		t.Errorf("Expected one phase1 completion, got %v", completed)
	}

	r, err := store.GetTrial(ctx, "u3", "trial_1")
	if err != nil {
		t.Fatal(err)
	}
	if !r.AIShown || r.FinalDiagnosis != models.DiagnosisYes || r.RevertedDecision || r.FinalConfidence != 7 {
		t.Errorf("Unexpected record %+v", r)
	}
	iou := r.Findings["box1"].IoU
	if iou == nil || math.Round(*iou*100) != 92 {
		t.Errorf("Expected stored IoU fraction ~0.92, got %v", iou)
	}
	if r.Duration <= 0 {
		t.Errorf("Expected positive duration, got %v", r.Duration)
	}
}

func writePNG(t *testing.T, dir, name string, w, h int) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
}

func TestRestartKeepsInProgressAnswers(t *testing.T) {
	ctx := context.Background()
	store := storage.New()
	putParticipant(t, store, models.Participant{
		UserID:         "u4",
		TreatmentGroup: models.GroupControl,
		CurrentPhase:   models.Phase1,
		ImageSequence:  []int{31, 32},
	})
	c := session.NewController(session.Options{TotalTrials: 2, Store: store, Predictions: predictions{}})
	s := c.Session("u4")
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err := s.Do(ctx, func(m *trial.Machine) error {
		if err := m.Classify("box1", models.FindingUncertain); err != nil {
			return err
		}
		return m.SelectDiagnosis(models.DiagnosisYes)
	})
	if err != nil {
		t.Fatalf("Answering failed: %v", err)
	}

	v, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if v.Trial == nil || v.Trial.TrialID != "trial_1" || v.Trial.InitialDiagnosis != models.DiagnosisYes {
		t.Fatalf("Expected in-progress trial_1 with its diagnosis, got %+v", v.Trial)
	}
	if v.Trial.Findings[0].Class != models.FindingUncertain {
		t.Errorf("Expected finding kept, got %+v", v.Trial.Findings[0])
	}
}

func TestShortSequenceReportsNoImage(t *testing.T) {
	ctx := context.Background()
	store := storage.New()
	putParticipant(t, store, models.Participant{
		UserID:          "u5",
		TreatmentGroup:  models.GroupControl,
		CurrentPhase:    models.Phase1,
		ImageSequence:   []int{41},
		CompletedTrials: map[string]bool{"trial_1": true},
	})
	c := session.NewController(session.Options{TotalTrials: 3, Store: store, Predictions: predictions{}})
	s := c.Session("u5")

	_, err := s.Start(ctx)
	if !perr.HasCode(err, perr.CodeSessionNoImage) {
		t.Fatalf("Expected SESSION_NO_IMAGE, got %v", err)
	}
	if v := s.View(); v.Trial != nil {
		t.Fatalf("Expected no trial loaded, got %+v", v.Trial)
	}
	_, err = s.Do(ctx, func(m *trial.Machine) error { return m.SelectDiagnosis(models.DiagnosisNo) })
	if !perr.HasCode(err, perr.CodeSessionNoImage) {
		t.Fatalf("Expected SESSION_NO_IMAGE from Do, got %v", err)
	}
}

func TestCommitMovesPastStoredTrialWhenNextImageMissing(t *testing.T) {
	ctx := context.Background()
	store := storage.New()
	putParticipant(t, store, models.Participant{
		UserID:         "u6",
		TreatmentGroup: models.GroupControl,
		CurrentPhase:   models.Phase1,
		ImageSequence:  []int{51},
	})
	rec := &recorder{}
	c := session.NewController(session.Options{TotalTrials: 2, Store: store, Predictions: predictions{}, Publisher: rec})
	s := c.Session("u6")
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	v, err := s.Do(ctx, func(m *trial.Machine) error {
		if err := m.SelectDiagnosis(models.DiagnosisNo); err != nil {
			return err
		}
		if err := m.SetConfidence(2); err != nil {
			return err
		}
		return m.SubmitInitial()
	})
	if !perr.HasCode(err, perr.CodeSessionNoImage) {
		t.Fatalf("Expected SESSION_NO_IMAGE for the missing second image, got %v", err)
	}
	if v.Progress.TrialIndex != 1 || v.Trial != nil {
		t.Fatalf("Expected to move past trial_1, got %+v", v)
	}

	if _, err := s.Commit(ctx); !perr.HasCode(err, perr.CodeSessionNoImage) {
		t.Fatalf("Expected commit retry to report SESSION_NO_IMAGE, got %v", err)
	}
	records, err := store.ListTrials(ctx, "u6")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].TrialID != "trial_1" {
		t.Fatalf("Expected trial_1 stored once, got %+v", records)
	}
	if len(rec.events) != 1 {
		t.Errorf("Expected one event, got %d", len(rec.events))
	}
}

func TestPhase2DatasetMissStillLoadsImage(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "7.png", 50, 40)

	for _, group := range []models.TreatmentGroup{models.GroupControl, models.GroupAI} {
		store := storage.New()
		putParticipant(t, store, models.Participant{
			UserID:              "u7",
			TreatmentGroup:      group,
			CurrentPhase:        models.Phase2,
			ImageSequence:       []int{1},
			ImageSequencePhase2: []int{7},
		})
		c := session.NewController(session.Options{TotalTrials: 1, Store: store, Predictions: predictions{}, ImageDir: dir})
		v, err := c.Session("u7").Start(context.Background())
		if err != nil {
			t.Fatalf("group %s: Start failed: %v", group, err)
		}
		if v.Trial.Natural != (geometry.Size{Width: 50, Height: 40}) {
			t.Errorf("group %s: expected 7.png loaded, got natural %v", group, v.Trial.Natural)
		}
		if v.Trial.ImageName != "/dataset/no_map/7.png" {
			t.Errorf("group %s: expected plain image path, got %q", group, v.Trial.ImageName)
		}
	}
}

// blockingPublisher holds Publish until released.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPublisher) Publish(context.Context, events.Event) error {
	close(b.entered)
	<-b.release
	return nil
}

func (b *blockingPublisher) Close() {}

func TestPublishDoesNotHoldSession(t *testing.T) {
	ctx := context.Background()
	store := storage.New()
	putParticipant(t, store, models.Participant{
		UserID:         "u8",
		TreatmentGroup: models.GroupControl,
		CurrentPhase:   models.Phase1,
		ImageSequence:  []int{61, 62},
	})
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	c := session.NewController(session.Options{TotalTrials: 2, Store: store, Predictions: predictions{}, Publisher: pub})
	s := c.Session("u8")
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Do(ctx, func(m *trial.Machine) error {
			if err := m.SelectDiagnosis(models.DiagnosisNo); err != nil {
				return err
			}
			if err := m.SetConfidence(4); err != nil {
				return err
			}
			return m.SubmitInitial()
		})
		done <- err
	}()
	<-pub.entered

	viewed := make(chan session.View, 1)
	go func() { viewed <- s.View() }()
	select {
	case v := <-viewed:
		if v.Trial == nil || v.Trial.TrialID != "trial_2" {
			t.Errorf("Expected trial_2 while the event is in flight, got %+v", v.Trial)
		}
	case <-time.After(2 * time.Second):
		t.Error("View blocked while the event was being published")
	}

	close(pub.release)
	if err := <-done; err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}
