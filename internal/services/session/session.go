// Package session drives a participant through a phase's trials: it resumes
// at the first unfinished trial, persists each finished one and reports when
// the phase is exhausted.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/readerstudy/internal/events"
	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/bbox"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/trial"
	"github.com/lehigh-university-libraries/readerstudy/internal/storage"
	"github.com/lehigh-university-libraries/readerstudy/internal/utils"
	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

// Predictions resolves the AI opinion for a dataset image. Resolve never
// fails; a missing row comes back as a flagged fallback.
type Predictions interface {
	Resolve(ctx context.Context, phase models.Phase, imageID int) models.AIPrediction
}

// Options wires a Controller. ImageDir holds the radiographs, named like the
// dataset keys. OnComplete is called once per participant and phase when the
// phase's trials are exhausted.
type Options struct {
	TotalTrials int
	Store       storage.Store
	Predictions Predictions
	Publisher   events.Publisher
	ImageDir    string
	OnComplete  func(participantID string, phase models.Phase)
	Now         func() time.Time
}

// Controller hands out one Session per participant.
type Controller struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewController(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Publisher == nil {
		opts.Publisher = events.LogPublisher{}
	}
	return &Controller{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// TotalTrials is the number of trials in each phase.
func (c *Controller) TotalTrials() int { return c.opts.TotalTrials }

// Session returns the participant's session, creating an unstarted one.
func (c *Controller) Session(participantID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[participantID]
	if !ok {
		s = &Session{c: c, participantID: participantID}
		c.sessions[participantID] = s
	}
	return s
}

// VariantFor routes a participant to the AI-assisted or no-AI trial. The
// control group starts without AI and gets it in phase 2; the AI group is
// crossed over the other way.
func VariantFor(group models.TreatmentGroup, phase models.Phase) trial.Variant {
	withAI := group == models.GroupAI
	if phase == models.Phase2 {
		withAI = !withAI
	}
	if withAI {
		return trial.VariantAI
	}
	return trial.VariantNoAI
}

// TrialID is the phase-scoped key of the trial at a 0-based index.
func TrialID(phase models.Phase, index int) string {
	id := "trial_" + strconv.Itoa(index+1)
	if phase == models.Phase2 {
		return "p2_" + id
	}
	return id
}

// Session is one participant's progress through the current phase. All
// methods serialize on the session, so the trial machine is never touched
// concurrently.
type Session struct {
	c             *Controller
	participantID string

	mu          sync.Mutex
	participant models.Participant
	phase       models.Phase
	started     bool
	complete    bool
	notified    map[models.Phase]bool
	index       int
	machine     *trial.Machine
}

// Progress summarizes where the participant is in the phase.
type Progress struct {
	Phase       models.Phase `json:"phase"`
	TrialIndex  int          `json:"trialIndex"`
	TrialNumber int          `json:"trialNumber"`
	TotalTrials int          `json:"totalTrials"`
	Completed   int          `json:"completed"`
	Complete    bool         `json:"complete"`
}

// View is what the client renders: progress plus the current trial, if any.
type View struct {
	ParticipantID string      `json:"participantId"`
	Progress      Progress    `json:"progress"`
	Trial         *trial.View `json:"trial,omitempty"`
}

// Start reads the participant record and resumes at the first unfinished
// trial. Calling it again keeps an in-progress trial when the stored
// progress still points at it, so answers survive a reload of the client.
func (s *Session) Start(ctx context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.c.opts.Store.GetParticipant(ctx, s.participantID)
	if errors.Is(err, storage.ErrNotFound) {
		return View{}, perr.Wrap(perr.CodeNotFound, "participant not found", err)
	}
	if err != nil {
		return View{}, perr.Wrap(perr.CodePersistenceFailed, "failed to read participant", err)
	}

	phase, done, err := activePhase(p.CurrentPhase)
	if err != nil {
		return View{}, err
	}
	s.participant = p
	s.started = true

	if done {
		s.phase = phase
		s.finish()
		return s.view(), nil
	}

	count := len(p.Completed(phase))
	if s.machine != nil && s.phase == phase && s.index == count {
		slog.Debug("Resuming in-progress trial", "participant", s.participantID, "trial", s.machine.Params().TrialID)
		return s.view(), nil
	}

	s.phase = phase
	s.complete = false
	if count >= s.c.opts.TotalTrials {
		s.finish()
		return s.view(), nil
	}
	if err := s.load(ctx, count); err != nil {
		return View{}, err
	}
	slog.Info("Session started",
		"participant", s.participantID,
		"phase", phase,
		"index", count,
		"total", s.c.opts.TotalTrials,
	)
	return s.view(), nil
}

func activePhase(p models.Phase) (models.Phase, bool, error) {
	switch p {
	case models.Phase1, "":
		return models.Phase1, false, nil
	case models.Phase2:
		return models.Phase2, false, nil
	case models.Phase1Completed:
		return models.Phase1, true, nil
	case models.Phase2Completed:
		return models.Phase2, true, nil
	}
	return "", false, perr.WithMetadata(perr.CodeSessionInvalidPhase,
		fmt.Sprintf("unknown phase %q", p), map[string]string{"Phase": string(p)})
}

// load replaces the trial machine for index in one step, so nothing from
// the previous trial leaks into the next.
func (s *Session) load(ctx context.Context, index int) error {
	seq := s.participant.Sequence(s.phase)
	if index >= len(seq) {
		return perr.WithMetadata(perr.CodeSessionNoImage,
			fmt.Sprintf("no image assigned to trial %d", index+1),
			map[string]string{"Phase": string(s.phase), "Index": strconv.Itoa(index)})
	}
	imageID := seq[index]

	pred := s.c.opts.Predictions.Resolve(ctx, s.phase, imageID)
	m := trial.New(trial.Params{
		Variant:        VariantFor(s.participant.TreatmentGroup, s.phase),
		Phase:          s.phase,
		TrialIndex:     index,
		TrialID:        TrialID(s.phase, index),
		TreatmentGroup: s.participant.TreatmentGroup,
		ImageID:        imageID,
		Prediction:     pred,
		Now:            s.c.opts.Now,
	})
	s.attachImage(m, imageID, pred)

	s.machine = m
	s.index = index
	return nil
}

// attachImage gives the drawing tool its natural size. The prediction's
// image is tried first, then the plain {id}.png, so a dataset miss never
// hides the radiograph. A missing file leaves the tool unloaded, which makes
// drawing a no-op instead of an error.
func (s *Session) attachImage(m *trial.Machine, imageID int, pred models.AIPrediction) {
	if s.c.opts.ImageDir == "" {
		return
	}
	var tried []string
	for _, name := range imageCandidates(imageID, pred) {
		path := filepath.Join(s.c.opts.ImageDir, name)
		tried = append(tried, path)
		img, err := utils.LoadImage(path)
		if err != nil {
			continue
		}
		b := img.Bounds()
		m.Tool().SetSource(img, geometry.Size{Width: float64(b.Dx()), Height: float64(b.Dy())})
		return
	}
	slog.Warn("Trial image unavailable", "tried", tried, "image", imageID)
}

func imageCandidates(imageID int, pred models.AIPrediction) []string {
	plain := strconv.Itoa(imageID) + ".png"
	if pred.ImageName == "" {
		return []string{plain}
	}
	name := filepath.Base(pred.ImageName)
	if name == plain {
		return []string{plain}
	}
	return []string{name, plain}
}

func (s *Session) finish() {
	s.complete = true
	s.machine = nil
	if s.notified == nil {
		s.notified = make(map[models.Phase]bool)
	}
	if s.notified[s.phase] {
		return
	}
	s.notified[s.phase] = true
	slog.Info("Session complete", "participant", s.participantID, "phase", s.phase)
	if s.c.opts.OnComplete != nil {
		s.c.opts.OnComplete(s.participantID, s.phase)
	}
}

func (s *Session) current() (*trial.Machine, error) {
	if !s.started {
		return nil, perr.New(perr.CodeSessionNotStarted, "session has not been started")
	}
	if s.complete {
		return nil, perr.New(perr.CodeSessionComplete, "all trials of this phase are complete")
	}
	if s.machine == nil {
		return nil, perr.WithMetadata(perr.CodeSessionNoImage,
			fmt.Sprintf("no trial loaded at index %d", s.index),
			map[string]string{"Phase": string(s.phase), "Index": strconv.Itoa(s.index)})
	}
	return s.machine, nil
}

// Do runs fn against the current trial. When fn brings the trial to its
// commit step the record is persisted straight away; a persistence failure
// is returned but the trial stays at commit so Commit can retry it.
func (s *Session) Do(ctx context.Context, fn func(m *trial.Machine) error) (View, error) {
	s.mu.Lock()
	v, committed, err := s.do(ctx, fn)
	s.mu.Unlock()

	s.publish(ctx, committed)
	return v, err
}

func (s *Session) do(ctx context.Context, fn func(m *trial.Machine) error) (View, *events.Event, error) {
	m, err := s.current()
	if err != nil {
		return View{}, nil, err
	}
	if err := fn(m); err != nil {
		return s.view(), nil, err
	}
	if m.Step() != trial.StepCommit {
		return s.view(), nil, nil
	}
	committed, err := s.commit(ctx)
	return s.view(), committed, err
}

// Commit persists the finished trial and moves on. It is safe to call again
// after a failure: the record was built once, so the retry writes the same
// document under the same trial id.
func (s *Session) Commit(ctx context.Context) (View, error) {
	s.mu.Lock()
	if _, err := s.current(); err != nil {
		s.mu.Unlock()
		return View{}, err
	}
	committed, err := s.commit(ctx)
	v := s.view()
	s.mu.Unlock()

	s.publish(ctx, committed)
	return v, err
}

// commit persists the record and advances. It returns the event to publish
// once the record is stored, even when loading the next trial fails, so the
// caller can publish it after releasing the session.
func (s *Session) commit(ctx context.Context) (*events.Event, error) {
	record, ok := s.machine.Record()
	if !ok {
		return nil, perr.WithMetadata(perr.CodeTrialNotReadyToCommit,
			"trial is not finished", map[string]string{"Step": string(s.machine.Step())})
	}

	store := s.c.opts.Store
	if err := store.SaveTrial(ctx, s.participantID, record); err != nil {
		slog.Error("Failed to save trial", "participant", s.participantID, "trial", record.TrialID, "error", err)
		return nil, perr.Wrap(perr.CodePersistenceFailed, "failed to save trial", err)
	}
	if err := store.MarkTrialCompleted(ctx, s.participantID, s.phase, record.TrialID); err != nil {
		slog.Error("Failed to mark trial completed", "participant", s.participantID, "trial", record.TrialID, "error", err)
		return nil, perr.Wrap(perr.CodePersistenceFailed, "failed to record progress", err)
	}
	s.markCompleted(record.TrialID)
	committed := events.TrialCommitted(s.participantID, record, s.c.opts.Now())

	slog.Info("Trial committed",
		"participant", s.participantID,
		"trial", record.TrialID,
		"variant", s.machine.Variant(),
		"duration", record.Duration,
	)

	next := s.index + 1
	if next >= s.c.opts.TotalTrials {
		s.finish()
		return &committed, nil
	}
	// Stored trials are never committed twice, even when the next load fails.
	s.machine = nil
	s.index = next
	return &committed, s.load(ctx, next)
}

// publish is best effort and runs without the session lock.
func (s *Session) publish(ctx context.Context, e *events.Event) {
	if e == nil {
		return
	}
	if err := s.c.opts.Publisher.Publish(ctx, *e); err != nil {
		slog.Warn("Failed to publish trial event", "participant", s.participantID, "trial", e.Trial.TrialID, "error", err)
	}
}

func (s *Session) markCompleted(trialID string) {
	if s.phase == models.Phase2 {
		if s.participant.CompletedTrialsPhase2 == nil {
			s.participant.CompletedTrialsPhase2 = make(map[string]bool)
		}
		s.participant.CompletedTrialsPhase2[trialID] = true
		return
	}
	if s.participant.CompletedTrials == nil {
		s.participant.CompletedTrials = make(map[string]bool)
	}
	s.participant.CompletedTrials[trialID] = true
}

// View snapshots the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view()
}

func (s *Session) view() View {
	v := View{
		ParticipantID: s.participantID,
		Progress: Progress{
			Phase:       s.phase,
			TrialIndex:  s.index,
			TrialNumber: s.index + 1,
			TotalTrials: s.c.opts.TotalTrials,
			Completed:   len(s.participant.Completed(s.phase)),
			Complete:    s.complete,
		},
	}
	if s.complete {
		v.Progress.TrialNumber = 0
	}
	if s.machine != nil {
		tv := s.machine.View()
		v.Trial = &tv
	}
	return v
}

var aiBoxColor = color.RGBA{R: 34, G: 197, B: 94, A: 255}

// Overlay renders the current image at width pixels with the participant's
// boxes and, once revealed, the AI box.
func (s *Session) Overlay(width int) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.current()
	if err != nil {
		return nil, err
	}
	src := m.Tool().Source()
	if src == nil {
		return nil, perr.New(perr.CodeNotFound, "trial image is not available")
	}
	slots := m.Tool().Slots()
	if pred := m.Params().Prediction; m.AIRevealed() && pred.Box != nil {
		b := *pred.Box
		slots = append(slots, bbox.ColoredBox{ID: "ai", Color: aiBoxColor, Label: "AI", Box: &b})
	}
	return bbox.Compose(src, width, slots...), nil
}

// Records lists the participant's stored trials.
func (s *Session) Records(ctx context.Context) ([]models.TrialRecord, error) {
	records, err := s.c.opts.Store.ListTrials(ctx, s.participantID)
	if err != nil {
		return nil, perr.Wrap(perr.CodePersistenceFailed, "failed to list trials", err)
	}
	return records, nil
}
