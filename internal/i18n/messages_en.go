package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
)

func init() {
	lang := language.English

	set(lang, perr.CodeUnknown, "An unexpected error occurred.")
	set(lang, perr.CodeNotFound, "The requested data was not found.")
	set(lang, perr.CodeUnauthenticated, "Please sign in again.")
	set(lang, perr.CodePersistenceFailed, "Failed to save your answers. Please try again.")

	set(lang, perr.CodeTrialInvalidStep, "This step is not available right now.")
	set(lang, perr.CodeTrialUnknownSlot, "Unknown finding.")
	set(lang, perr.CodeTrialInvalidFinding, "Invalid finding classification.")
	set(lang, perr.CodeTrialInvalidDiagnosis, "Invalid diagnosis.")
	set(lang, perr.CodeTrialDiagnosisRequired, "Please select a diagnosis.")
	set(lang, perr.CodeTrialBoxRequired, "Please mark the location of %s on the image.")
	set(lang, perr.CodeTrialBoxNotAllowed, "%s is not marked as present, so it cannot have a box.")
	set(lang, perr.CodeTrialConfidenceRange, "Confidence must be between 1 and 7 (got %s).")
	set(lang, perr.CodeTrialConfidenceRequired, "Please rate how confident you are.")
	set(lang, perr.CodeTrialNotReadyToCommit, "The trial is not finished yet.")

	set(lang, perr.CodeSessionNotStarted, "The session has not started yet.")
	set(lang, perr.CodeSessionComplete, "You have completed every trial in this phase.")
	set(lang, perr.CodeSessionInvalidPhase, "Unknown study phase.")
	set(lang, perr.CodeSessionNoImage, "No image is assigned to this trial.")

	message.SetString(lang, "notice.retry", "Retry")
	message.SetString(lang, "notice.dismiss", "Dismiss")
}
