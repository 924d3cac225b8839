// Package metrics summarizes a participant's stored trials: how often the
// AI changed their mind, how confident they were, how well their boxes
// overlapped the AI's and how their calls compare with ground truth.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/lehigh-university-libraries/readerstudy/internal/models"
)

// Confusion counts diagnoses against binary ground truth.
type Confusion struct {
	TruePositive  int `json:"tp"`
	FalsePositive int `json:"fp"`
	TrueNegative  int `json:"tn"`
	FalseNegative int `json:"fn"`
}

func (c *Confusion) add(d models.Diagnosis, truth int) {
	positive := d == models.DiagnosisYes
	switch {
	case positive && truth == 1:
		c.TruePositive++
	case positive && truth == 0:
		c.FalsePositive++
	case !positive && truth == 0:
		c.TrueNegative++
	case !positive && truth == 1:
		c.FalseNegative++
	}
}

func (c Confusion) Total() int {
	return c.TruePositive + c.FalsePositive + c.TrueNegative + c.FalseNegative
}

func (c Confusion) Accuracy() float64 {
	return ratio(c.TruePositive+c.TrueNegative, c.Total())
}

func (c Confusion) Sensitivity() float64 {
	return ratio(c.TruePositive, c.TruePositive+c.FalseNegative)
}

func (c Confusion) Specificity() float64 {
	return ratio(c.TrueNegative, c.TrueNegative+c.FalsePositive)
}

// Summary aggregates trials. Rates are fractions in [0,1]; a rate with no
// eligible trials is 0.
type Summary struct {
	Trials         int `json:"trials"`
	AITrials       int `json:"aiTrials"`
	FallbackTrials int `json:"fallbackTrials"`
	Revisions      int `json:"revisions"`

	RevisionRate          float64 `json:"revisionRate"`
	MeanInitialConfidence float64 `json:"meanInitialConfidence"`
	MeanFinalConfidence   float64 `json:"meanFinalConfidence"`
	StdFinalConfidence    float64 `json:"stdFinalConfidence"`
	MeanDuration          float64 `json:"meanDuration"`

	BoxedFindings  int     `json:"boxedFindings"`
	MeanIoU        float64 `json:"meanIoU"`
	MeanIoUPercent float64 `json:"meanIoUPercent"`

	InitialAIAgreement float64 `json:"initialAIAgreement"`
	FinalAIAgreement   float64 `json:"finalAIAgreement"`

	Initial Confusion `json:"initial"`
	Final   Confusion `json:"final"`
}

// Summarize computes the summary of records. Fallback AI opinions count as
// AI trials but are left out of the agreement rates.
func Summarize(records []models.TrialRecord) Summary {
	var (
		s                        Summary
		initialConf, finalConf   []float64
		durations, ious          []float64
		agreeInitial, agreeFinal int
		agreeEligible            int
	)

	for _, r := range records {
		s.Trials++
		if r.RevertedDecision {
			s.Revisions++
		}
		if r.InitialConfidence > 0 {
			initialConf = append(initialConf, float64(r.InitialConfidence))
		}
		if r.FinalConfidence > 0 {
			finalConf = append(finalConf, float64(r.FinalConfidence))
		}
		if r.Duration > 0 {
			durations = append(durations, r.Duration)
		}

		for _, f := range r.Findings {
			if f.Box == nil {
				continue
			}
			s.BoxedFindings++
			if f.IoU != nil {
				ious = append(ious, *f.IoU)
			}
		}

		if r.AIShown {
			s.AITrials++
			if r.AIFallback {
				s.FallbackTrials++
			} else {
				agreeEligible++
				if r.InitialDiagnosis == r.AIDiagnosis {
					agreeInitial++
				}
				if r.FinalDiagnosis == r.AIDiagnosis {
					agreeFinal++
				}
			}
		}

		if r.GroundTruthBinary == 0 || r.GroundTruthBinary == 1 {
			s.Initial.add(r.InitialDiagnosis, r.GroundTruthBinary)
			s.Final.add(r.FinalDiagnosis, r.GroundTruthBinary)
		}
	}

	s.RevisionRate = ratio(s.Revisions, s.Trials)
	s.MeanInitialConfidence = mean(initialConf)
	if len(finalConf) > 1 {
		s.MeanFinalConfidence, s.StdFinalConfidence = stat.MeanStdDev(finalConf, nil)
	} else {
		s.MeanFinalConfidence = mean(finalConf)
	}
	s.MeanDuration = mean(durations)
	s.MeanIoU = mean(ious)
	s.MeanIoUPercent = math.Round(s.MeanIoU*1000) / 10
	s.InitialAIAgreement = ratio(agreeInitial, agreeEligible)
	s.FinalAIAgreement = ratio(agreeFinal, agreeEligible)
	return s
}

// ByPhase summarizes each phase separately.
func ByPhase(records []models.TrialRecord) map[models.Phase]Summary {
	grouped := make(map[models.Phase][]models.TrialRecord)
	for _, r := range records {
		grouped[r.Phase] = append(grouped[r.Phase], r)
	}
	out := make(map[models.Phase]Summary, len(grouped))
	for phase, rs := range grouped {
		out[phase] = Summarize(rs)
	}
	return out
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
