package models

import (
	"time"

	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

type TreatmentGroup string

const (
	GroupControl TreatmentGroup = "0"
	GroupAI      TreatmentGroup = "1"
)

type Phase string

const (
	Phase1          Phase = "phase1"
	Phase2          Phase = "phase2"
	Phase1Completed Phase = "phase1_completed"
	Phase2Completed Phase = "phase2_completed"
)

// Diagnosis is the participant's or the AI's binary call on an image.
type Diagnosis string

const (
	DiagnosisYes Diagnosis = "igen"
	DiagnosisNo  Diagnosis = "nem"
)

func (d Diagnosis) Valid() bool {
	return d == DiagnosisYes || d == DiagnosisNo
}

// FindingClass classifies one finding slot.
type FindingClass string

const (
	FindingPresent   FindingClass = "tunet"
	FindingUncertain FindingClass = "bizonytalan"
	FindingAbsent    FindingClass = "nincsen"
)

func (c FindingClass) Valid() bool {
	switch c {
	case FindingPresent, FindingUncertain, FindingAbsent:
		return true
	}
	return false
}

// AllowsBox reports whether a box may be drawn for the class.
func (c FindingClass) AllowsBox() bool {
	return c == FindingPresent || c == FindingUncertain
}

// Participant is the externally owned study record. The trial engine reads
// it and only ever adds keys to the completion maps.
type Participant struct {
	UserID                string          `json:"userID"`
	TreatmentGroup        TreatmentGroup  `json:"treatmentGroup"`
	CurrentPhase          Phase           `json:"currentPhase"`
	ImageSequence         []int           `json:"imageSequence"`
	ImageSequencePhase2   []int           `json:"imageSequencePhase2,omitempty"`
	CompletedTrials       map[string]bool `json:"completedTrials"`
	CompletedTrialsPhase2 map[string]bool `json:"completedTrialsPhase2,omitempty"`
	Phase1CompletedAt     int64           `json:"phase1CompletedAt,omitempty"`
	Phase2CompletedAt     int64           `json:"phase2CompletedAt,omitempty"`
}

// Sequence returns the image order for the given phase. Phase 2 falls back
// to the phase 1 order when no dedicated sequence was assigned.
func (p Participant) Sequence(phase Phase) []int {
	if phase == Phase2 && len(p.ImageSequencePhase2) > 0 {
		return p.ImageSequencePhase2
	}
	return p.ImageSequence
}

// Completed returns the completion map for the given phase.
func (p Participant) Completed(phase Phase) map[string]bool {
	if phase == Phase2 {
		return p.CompletedTrialsPhase2
	}
	return p.CompletedTrials
}

// AIPrediction is one precomputed model output for a dataset image. Box is
// in natural image pixels.
type AIPrediction struct {
	ID                string        `json:"id"`
	ImageName         string        `json:"imageName"`
	HeatmapPath       string        `json:"heatmapPath,omitempty"`
	Phase             string        `json:"phase"`
	Diagnosis         Diagnosis     `json:"diagnosis"`
	Confidence        float64       `json:"confidence"`
	Box               *geometry.Box `json:"box,omitempty"`
	OriginalImageName string        `json:"originalImageName,omitempty"`
	GroundTruthRaw    int           `json:"groundTruthRaw"`
	GroundTruthBinary int           `json:"groundTruthBinary"`
	PredictionRaw     int           `json:"predictionRaw"`
	Fallback          bool          `json:"fallback,omitempty"`
}

// FindingRecord is the persisted state of one finding slot.
type FindingRecord struct {
	Class FindingClass  `json:"class"`
	Box   *geometry.Box `json:"box,omitempty"`
	IoU   *float64      `json:"iou,omitempty"`
}

// TrialRecord is written once per completed trial and keyed by TrialID.
type TrialRecord struct {
	TrialID        string                   `json:"trialId"`
	Phase          Phase                    `json:"phase"`
	TrialIndex     int                      `json:"trialIndex"`
	TreatmentGroup TreatmentGroup           `json:"treatmentGroup"`
	ImageID        int                      `json:"imageId"`
	ImageName      string                   `json:"imageName"`
	StartTime      time.Time                `json:"startTime"`
	EndTime        time.Time                `json:"endTime"`
	Duration       float64                  `json:"duration"`
	Findings       map[string]FindingRecord `json:"findings,omitempty"`
	BoxDrawn       bool                     `json:"boxDrawn"`

	Diagnosis         Diagnosis `json:"diagnosis"`
	Confidence        int       `json:"confidence"`
	InitialDiagnosis  Diagnosis `json:"initialDiagnosis"`
	InitialConfidence int       `json:"initialConfidence"`
	FinalDiagnosis    Diagnosis `json:"finalDiagnosis"`
	FinalConfidence   int       `json:"finalConfidence"`
	RevertedDecision  bool      `json:"revertedDecision"`

	AIShown      bool          `json:"aiShown"`
	AIDiagnosis  Diagnosis     `json:"aiDiagnosis,omitempty"`
	AIConfidence float64       `json:"aiConfidence,omitempty"`
	AIBox        *geometry.Box `json:"aiBox,omitempty"`
	AIFallback   bool          `json:"aiFallback,omitempty"`

	GroundTruthRaw    int `json:"ground_truth_raw"`
	GroundTruthBinary int `json:"ground_truth_binary"`
	Prediction        int `json:"prediction"`
}
