package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
)

func init() {
	lang := language.Hungarian

	set(lang, perr.CodeUnknown, "Váratlan hiba történt.")
	set(lang, perr.CodeNotFound, "A kért adat nem található.")
	set(lang, perr.CodeUnauthenticated, "Kérjük, jelentkezzen be újra.")
	set(lang, perr.CodePersistenceFailed, "Nem sikerült menteni az adatokat. Kérjük, próbálja újra.")

	set(lang, perr.CodeTrialInvalidStep, "Ez a lépés most nem elérhető.")
	set(lang, perr.CodeTrialUnknownSlot, "Ismeretlen melléklelet.")
	set(lang, perr.CodeTrialInvalidFinding, "Érvénytelen melléklelet besorolás.")
	set(lang, perr.CodeTrialInvalidDiagnosis, "Érvénytelen diagnózis.")
	set(lang, perr.CodeTrialDiagnosisRequired, "Kérjük, válasszon diagnózist.")
	set(lang, perr.CodeTrialBoxRequired, "Kérjük, jelölje be a(z) %s helyét a képen.")
	set(lang, perr.CodeTrialBoxNotAllowed, "A(z) %s nincs jelen, ezért nem jelölhető be.")
	set(lang, perr.CodeTrialConfidenceRange, "A magabiztosság 1 és 7 között lehet (kapott: %s).")
	set(lang, perr.CodeTrialConfidenceRequired, "Kérjük, adja meg, mennyire biztos a döntésében.")
	set(lang, perr.CodeTrialNotReadyToCommit, "A feladat még nincs befejezve.")

	set(lang, perr.CodeSessionNotStarted, "A munkamenet még nem indult el.")
	set(lang, perr.CodeSessionComplete, "Minden feladatot befejezett ebben a szakaszban.")
	set(lang, perr.CodeSessionInvalidPhase, "Ismeretlen vizsgálati szakasz.")
	set(lang, perr.CodeSessionNoImage, "Ehhez a feladathoz nincs kép rendelve.")

	message.SetString(lang, "notice.retry", "Újrapróbálás")
	message.SetString(lang, "notice.dismiss", "Bezárás")
}
