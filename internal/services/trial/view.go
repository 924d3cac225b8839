package trial

import (
	"math"

	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

// FindingView is one slot as the client renders it.
type FindingView struct {
	ID         string              `json:"id"`
	Label      string              `json:"label"`
	Color      string              `json:"color"`
	Class      models.FindingClass `json:"class,omitempty"`
	Box        *geometry.Box       `json:"box,omitempty"`
	IoUPercent *float64            `json:"iouPercent,omitempty"`
}

// AIView is the AI opinion, present only once it has been revealed.
type AIView struct {
	Diagnosis   models.Diagnosis `json:"diagnosis"`
	Confidence  float64          `json:"confidence"`
	Box         *geometry.Box    `json:"box,omitempty"`
	HeatmapPath string           `json:"heatmapPath,omitempty"`
	Fallback    bool             `json:"fallback,omitempty"`
}

// View is a read-only snapshot of the trial.
type View struct {
	TrialID           string           `json:"trialId"`
	TrialIndex        int              `json:"trialIndex"`
	Phase             models.Phase     `json:"phase"`
	Variant           Variant          `json:"variant"`
	Step              Step             `json:"step"`
	ImageID           int              `json:"imageId"`
	ImageName         string           `json:"imageName"`
	Natural           geometry.Size    `json:"natural"`
	Findings          []FindingView    `json:"findings"`
	ActiveSlot        string           `json:"activeSlot,omitempty"`
	DrawingEnabled    bool             `json:"drawingEnabled"`
	Candidate         *geometry.Box    `json:"candidate,omitempty"`
	InitialDiagnosis  models.Diagnosis `json:"initialDiagnosis,omitempty"`
	InitialConfidence int              `json:"initialConfidence,omitempty"`
	FinalDiagnosis    models.Diagnosis `json:"finalDiagnosis,omitempty"`
	CanSubmit         bool             `json:"canSubmit"`
	Blocked           perr.Code        `json:"blocked,omitempty"`
	AI                *AIView          `json:"ai,omitempty"`
}

// View snapshots the trial. AI data and IoU appear only once revealed; IoU
// is reported as a whole percentage.
func (m *Machine) View() View {
	v := View{
		TrialID:           m.p.TrialID,
		TrialIndex:        m.p.TrialIndex,
		Phase:             m.p.Phase,
		Variant:           m.p.Variant,
		Step:              m.step,
		ImageID:           m.p.ImageID,
		ImageName:         m.p.Prediction.ImageName,
		Natural:           m.tool.Viewport().Natural,
		ActiveSlot:        m.tool.Active(),
		DrawingEnabled:    m.DrawingEnabled(),
		InitialDiagnosis:  m.initialDiagnosis,
		InitialConfidence: m.initialConfidence,
		FinalDiagnosis:    m.finalDiagnosis,
	}
	if c, ok := m.tool.Candidate(); ok {
		v.Candidate = &c
	}

	revealed := m.AIRevealed()
	for _, s := range m.tool.Slots() {
		f := FindingView{
			ID:    s.ID,
			Label: s.Label,
			Color: s.Hex,
			Class: m.findings[s.ID],
			Box:   s.Box,
		}
		if revealed {
			if iou, ok := m.IoU(s.ID); ok {
				pct := math.Round(geometry.Percent(iou))
				f.IoUPercent = &pct
			}
		}
		v.Findings = append(v.Findings, f)
	}

	if m.step == StepInitial {
		err := m.CanSubmitInitial()
		v.CanSubmit = err == nil
		if err != nil {
			v.Blocked = perr.CodeOf(err)
		}
	}

	if revealed {
		pred := m.p.Prediction
		v.AI = &AIView{
			Diagnosis:   pred.Diagnosis,
			Confidence:  pred.Confidence,
			Box:         pred.Box,
			HeatmapPath: pred.HeatmapPath,
			Fallback:    pred.Fallback,
		}
	}
	return v
}
