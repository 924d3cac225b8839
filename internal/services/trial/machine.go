// Package trial sequences one annotation trial from the first judgment to
// the record that gets persisted.
//
// AI-assisted trials run initial → pre-confidence → feedback →
// post-confidence → commit. No-AI trials run initial → commit, with the
// confidence captured alongside the diagnosis.
package trial

import (
	"fmt"
	"image/color"
	"log/slog"
	"time"

	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/bbox"
	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

type Step string

const (
	StepInitial        Step = "initial"
	StepPreConfidence  Step = "pre-confidence"
	StepFeedback       Step = "feedback"
	StepPostConfidence Step = "post-confidence"
	StepCommit         Step = "commit"
)

type Variant string

const (
	VariantAI   Variant = "ai"
	VariantNoAI Variant = "no-ai"
)

const (
	MinConfidence = 1
	MaxConfidence = 7
)

// DefaultSlots are the two finding slots every trial offers.
func DefaultSlots() []bbox.ColoredBox {
	return []bbox.ColoredBox{
		{ID: "box1", Color: color.RGBA{R: 239, G: 68, B: 68, A: 255}, Label: "Melléklelet 1"},
		{ID: "box2", Color: color.RGBA{R: 59, G: 130, B: 246, A: 255}, Label: "Melléklelet 2"},
	}
}

// Params fixes everything about a trial that is known before it starts.
type Params struct {
	Variant        Variant
	Phase          models.Phase
	TrialIndex     int
	TrialID        string
	TreatmentGroup models.TreatmentGroup
	ImageID        int
	// Prediction carries the image reference and dataset metadata for both
	// variants; only AI-assisted trials reveal it.
	Prediction models.AIPrediction
	Slots      []bbox.ColoredBox
	Now        func() time.Time
}

// Machine holds one trial's answers. It is not safe for concurrent use.
type Machine struct {
	p    Params
	step Step
	tool *bbox.Tool

	findings map[string]models.FindingClass

	initialDiagnosis  models.Diagnosis
	initialConfidence int
	finalDiagnosis    models.Diagnosis
	finalConfidence   int

	startTime time.Time
	record    *models.TrialRecord
}

// New starts a trial at the initial step with empty answers.
func New(p Params) *Machine {
	if p.Now == nil {
		p.Now = time.Now
	}
	if len(p.Slots) == 0 {
		p.Slots = DefaultSlots()
	}
	if p.Variant == "" {
		p.Variant = VariantAI
	}
	m := &Machine{
		p:         p,
		step:      StepInitial,
		tool:      bbox.New(p.Slots...),
		findings:  make(map[string]models.FindingClass, len(p.Slots)),
		startTime: p.Now(),
	}
	m.tool.OnChange(m.boxCommitted)
	return m
}

func (m *Machine) Step() Step { return m.step }

func (m *Machine) Variant() Variant { return m.p.Variant }

func (m *Machine) Params() Params { return m.p }

// Tool exposes the drawing tool that holds the finding boxes.
func (m *Machine) Tool() *bbox.Tool { return m.tool }

func (m *Machine) StartTime() time.Time { return m.startTime }

func (m *Machine) InitialDiagnosis() models.Diagnosis { return m.initialDiagnosis }

func (m *Machine) InitialConfidence() int { return m.initialConfidence }

// FinalDiagnosis is empty until the AI feedback step, or until commit for
// no-AI trials.
func (m *Machine) FinalDiagnosis() models.Diagnosis { return m.finalDiagnosis }

func (m *Machine) boxCommitted(id string, box *geometry.Box) {
	if !m.findings[id].AllowsBox() {
		// Activation is gated on the class, so this only fires if the class
		// changed mid-gesture.
		_ = m.tool.SetBox(id, nil)
		return
	}
	slog.Debug("Finding box drawn", "trial", m.p.TrialID, "slot", id, "box", *box)
}

func (m *Machine) requireStep(want Step, op string) error {
	if m.step != want {
		return perr.WithMetadata(perr.CodeTrialInvalidStep,
			fmt.Sprintf("%s not allowed in step %s", op, m.step),
			map[string]string{"Op": op, "Step": string(m.step)})
	}
	return nil
}

func (m *Machine) hasSlot(id string) bool {
	for _, s := range m.p.Slots {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Classify sets a finding slot's class. "Absent" clears the slot's box and
// takes it out of draw mode.
func (m *Machine) Classify(slot string, class models.FindingClass) error {
	if err := m.requireStep(StepInitial, "classify"); err != nil {
		return err
	}
	if !m.hasSlot(slot) {
		return perr.New(perr.CodeTrialUnknownSlot, fmt.Sprintf("unknown finding slot %q", slot))
	}
	if !class.Valid() {
		return perr.New(perr.CodeTrialInvalidFinding, fmt.Sprintf("invalid finding class %q", class))
	}

	m.findings[slot] = class
	if !class.AllowsBox() {
		if m.tool.Active() == slot {
			m.tool.Deactivate()
		}
		if err := m.tool.SetBox(slot, nil); err != nil {
			return err
		}
	}
	return nil
}

// Finding returns the slot's class, "" when unclassified.
func (m *Machine) Finding(slot string) models.FindingClass {
	return m.findings[slot]
}

// ActivateSlot puts a slot in draw mode. Only present or uncertain slots may
// be drawn, and only during the initial step. An empty slot deactivates.
func (m *Machine) ActivateSlot(slot string) error {
	if err := m.requireStep(StepInitial, "draw"); err != nil {
		return err
	}
	if slot == "" {
		m.tool.Deactivate()
		return nil
	}
	if !m.hasSlot(slot) {
		return perr.New(perr.CodeTrialUnknownSlot, fmt.Sprintf("unknown finding slot %q", slot))
	}
	if !m.findings[slot].AllowsBox() {
		return perr.New(perr.CodeTrialBoxNotAllowed, fmt.Sprintf("slot %s does not allow a box", slot))
	}
	return m.tool.Activate(slot)
}

// DrawingEnabled reports whether the tool accepts pointer input right now.
func (m *Machine) DrawingEnabled() bool {
	return m.step == StepInitial && m.tool.Active() != "" && m.findings[m.tool.Active()].AllowsBox()
}

// SelectDiagnosis records the initial diagnosis.
func (m *Machine) SelectDiagnosis(d models.Diagnosis) error {
	if err := m.requireStep(StepInitial, "diagnose"); err != nil {
		return err
	}
	if !d.Valid() {
		return perr.New(perr.CodeTrialInvalidDiagnosis, fmt.Sprintf("invalid diagnosis %q", d))
	}
	m.initialDiagnosis = d
	return nil
}

// SetConfidence records the confidence that no-AI trials collect together
// with the diagnosis.
func (m *Machine) SetConfidence(c int) error {
	if err := m.requireStep(StepInitial, "confidence"); err != nil {
		return err
	}
	if m.p.Variant != VariantNoAI {
		return perr.New(perr.CodeTrialInvalidStep, "AI-assisted trials collect confidence after the initial step")
	}
	if err := checkConfidence(c); err != nil {
		return err
	}
	m.initialConfidence = c
	return nil
}

func checkConfidence(c int) error {
	if c < MinConfidence || c > MaxConfidence {
		return perr.WithMetadata(perr.CodeTrialConfidenceRange,
			fmt.Sprintf("confidence %d outside %d..%d", c, MinConfidence, MaxConfidence),
			map[string]string{"Value": fmt.Sprint(c)})
	}
	return nil
}

// CanSubmitInitial returns the guard that blocks the initial step, or nil.
func (m *Machine) CanSubmitInitial() error {
	if err := m.requireStep(StepInitial, "submit"); err != nil {
		return err
	}
	if m.initialDiagnosis == "" {
		return perr.New(perr.CodeTrialDiagnosisRequired, "a diagnosis is required")
	}
	for _, s := range m.p.Slots {
		box, _ := m.tool.Box(s.ID)
		switch m.findings[s.ID] {
		case models.FindingPresent:
			if box == nil {
				return perr.WithMetadata(perr.CodeTrialBoxRequired,
					fmt.Sprintf("slot %s is marked present but has no box", s.ID),
					map[string]string{"Slot": s.ID, "Label": s.Label})
			}
		case models.FindingAbsent, "":
			if box != nil {
				return perr.WithMetadata(perr.CodeTrialBoxNotAllowed,
					fmt.Sprintf("slot %s has a box but is not marked present or uncertain", s.ID),
					map[string]string{"Slot": s.ID, "Label": s.Label})
			}
		}
	}
	if m.p.Variant == VariantNoAI && m.initialConfidence == 0 {
		return perr.New(perr.CodeTrialConfidenceRequired, "a confidence rating is required")
	}
	return nil
}

// SubmitInitial leaves the initial step: to pre-confidence for AI-assisted
// trials, straight to commit for no-AI trials.
func (m *Machine) SubmitInitial() error {
	if err := m.CanSubmitInitial(); err != nil {
		return err
	}
	m.tool.Deactivate()
	m.tool.SetEnabled(false)

	if m.p.Variant == VariantNoAI {
		m.finalDiagnosis = m.initialDiagnosis
		m.finalConfidence = m.initialConfidence
		m.enterCommit()
		return nil
	}
	m.step = StepPreConfidence
	return nil
}

// SubmitPreConfidence rates the initial diagnosis and reveals the AI.
func (m *Machine) SubmitPreConfidence(c int) error {
	if err := m.requireStep(StepPreConfidence, "pre-confidence"); err != nil {
		return err
	}
	if err := checkConfidence(c); err != nil {
		return err
	}
	m.initialConfidence = c
	m.finalDiagnosis = m.initialDiagnosis
	m.step = StepFeedback
	return nil
}

// Revise overwrites the final diagnosis while the AI opinion is shown.
// Revising back to the initial diagnosis undoes the revision.
func (m *Machine) Revise(d models.Diagnosis) error {
	if err := m.requireStep(StepFeedback, "revise"); err != nil {
		return err
	}
	if !d.Valid() {
		return perr.New(perr.CodeTrialInvalidDiagnosis, fmt.Sprintf("invalid diagnosis %q", d))
	}
	m.finalDiagnosis = d
	return nil
}

// Continue moves from feedback to the final confidence rating.
func (m *Machine) Continue() error {
	if err := m.requireStep(StepFeedback, "continue"); err != nil {
		return err
	}
	m.step = StepPostConfidence
	return nil
}

// SubmitFinalConfidence rates the final diagnosis and closes the trial.
func (m *Machine) SubmitFinalConfidence(c int) error {
	if err := m.requireStep(StepPostConfidence, "final confidence"); err != nil {
		return err
	}
	if err := checkConfidence(c); err != nil {
		return err
	}
	m.finalConfidence = c
	m.enterCommit()
	return nil
}

func (m *Machine) enterCommit() {
	r := m.buildRecord(m.p.Now())
	m.record = &r
	m.step = StepCommit
}

// Record returns the finished trial record. It is built once when the trial
// reaches commit, so every call returns the same record.
func (m *Machine) Record() (models.TrialRecord, bool) {
	if m.record == nil {
		return models.TrialRecord{}, false
	}
	r := *m.record
	r.Findings = make(map[string]models.FindingRecord, len(m.record.Findings))
	for k, v := range m.record.Findings {
		r.Findings[k] = v
	}
	return r, true
}

// IoU is the overlap between a slot's box and the AI box, as a fraction.
func (m *Machine) IoU(slot string) (float64, bool) {
	box, err := m.tool.Box(slot)
	if err != nil || box == nil || m.p.Prediction.Box == nil {
		return 0, false
	}
	return geometry.IoU(box, m.p.Prediction.Box), true
}

// AIRevealed reports whether the AI opinion may be shown.
func (m *Machine) AIRevealed() bool {
	if m.p.Variant != VariantAI {
		return false
	}
	switch m.step {
	case StepFeedback, StepPostConfidence, StepCommit:
		return true
	}
	return false
}

func (m *Machine) buildRecord(end time.Time) models.TrialRecord {
	pred := m.p.Prediction
	r := models.TrialRecord{
		TrialID:        m.p.TrialID,
		Phase:          m.p.Phase,
		TrialIndex:     m.p.TrialIndex,
		TreatmentGroup: m.p.TreatmentGroup,
		ImageID:        m.p.ImageID,
		ImageName:      pred.ImageName,
		StartTime:      m.startTime,
		EndTime:        end,
		Duration:       end.Sub(m.startTime).Seconds(),
		Findings:       make(map[string]models.FindingRecord),

		Diagnosis:         m.finalDiagnosis,
		Confidence:        m.finalConfidence,
		InitialDiagnosis:  m.initialDiagnosis,
		InitialConfidence: m.initialConfidence,
		FinalDiagnosis:    m.finalDiagnosis,
		FinalConfidence:   m.finalConfidence,
		RevertedDecision:  m.initialDiagnosis != m.finalDiagnosis,

		GroundTruthRaw:    pred.GroundTruthRaw,
		GroundTruthBinary: pred.GroundTruthBinary,
		Prediction:        pred.PredictionRaw,
	}

	for _, s := range m.p.Slots {
		class := m.findings[s.ID]
		box, _ := m.tool.Box(s.ID)
		if class == "" && box == nil {
			continue
		}
		f := models.FindingRecord{Class: class, Box: box}
		if box != nil {
			r.BoxDrawn = true
			if m.p.Variant == VariantAI {
				if iou, ok := m.IoU(s.ID); ok {
					f.IoU = &iou
				}
			}
		}
		r.Findings[s.ID] = f
	}

	if m.p.Variant == VariantAI {
		r.AIShown = true
		r.AIDiagnosis = pred.Diagnosis
		r.AIConfidence = pred.Confidence
		r.AIFallback = pred.Fallback
		if pred.Box != nil {
			b := *pred.Box
			r.AIBox = &b
		}
	}
	return r
}
