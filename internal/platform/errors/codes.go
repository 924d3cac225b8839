// Package errors provides coded domain errors that map onto HTTP statuses
// and localized notices.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Trial guard errors
	CodeTrialInvalidStep        Code = "TRIAL_INVALID_STEP"
	CodeTrialUnknownSlot        Code = "TRIAL_UNKNOWN_SLOT"
	CodeTrialInvalidFinding     Code = "TRIAL_INVALID_FINDING"
	CodeTrialInvalidDiagnosis   Code = "TRIAL_INVALID_DIAGNOSIS"
	CodeTrialDiagnosisRequired  Code = "TRIAL_DIAGNOSIS_REQUIRED"
	CodeTrialBoxRequired        Code = "TRIAL_BOX_REQUIRED"
	CodeTrialBoxNotAllowed      Code = "TRIAL_BOX_NOT_ALLOWED"
	CodeTrialConfidenceRange    Code = "TRIAL_CONFIDENCE_OUT_OF_RANGE"
	CodeTrialConfidenceRequired Code = "TRIAL_CONFIDENCE_REQUIRED"
	CodeTrialNotReadyToCommit   Code = "TRIAL_NOT_READY_TO_COMMIT"

	// Session errors
	CodeSessionNotStarted   Code = "SESSION_NOT_STARTED"
	CodeSessionComplete     Code = "SESSION_COMPLETE"
	CodeSessionInvalidPhase Code = "SESSION_INVALID_PHASE"
	CodeSessionNoImage      Code = "SESSION_NO_IMAGE"

	// Storage errors
	CodeNotFound          Code = "NOT_FOUND"
	CodePersistenceFailed Code = "PERSISTENCE_FAILED"

	// Auth errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

// HTTPStatus maps the code to the status the API answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeTrialUnknownSlot,
		CodeTrialInvalidFinding,
		CodeTrialInvalidDiagnosis,
		CodeTrialConfidenceRange:
		return http.StatusBadRequest

	case CodeTrialInvalidStep,
		CodeTrialDiagnosisRequired,
		CodeTrialBoxRequired,
		CodeTrialBoxNotAllowed,
		CodeTrialConfidenceRequired,
		CodeTrialNotReadyToCommit,
		CodeSessionNotStarted,
		CodeSessionComplete,
		CodeSessionInvalidPhase,
		CodeSessionNoImage:
		return http.StatusConflict

	case CodeNotFound:
		return http.StatusNotFound

	case CodePersistenceFailed:
		return http.StatusServiceUnavailable

	case CodeUnauthenticated:
		return http.StatusUnauthorized

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may resubmit the same request.
func (c Code) Retryable() bool {
	return c == CodePersistenceFailed
}
