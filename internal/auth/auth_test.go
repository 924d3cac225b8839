package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestIssueAndVerify(t *testing.T) {
	v := &Verifier{Secret: []byte("test-secret"), Now: fixedNow}
	token, err := v.Issue("participant-7", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id != "participant-7" {
		t.Errorf("Expected participant-7, got %q", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := &Verifier{Secret: []byte("test-secret"), Now: fixedNow}
	other := &Verifier{Secret: []byte("other-secret"), Now: fixedNow}
	expired := &Verifier{Secret: []byte("test-secret"), Now: func() time.Time { return fixedNow().Add(-2 * time.Hour) }}

	wrongKey, _ := other.Issue("p1", time.Hour)
	old, _ := expired.Issue("p1", time.Hour)
	noSubject, _ := v.Issue("", time.Hour)

	for name, token := range map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"wrong key":  wrongKey,
		"expired":    old,
		"no subject": noSubject,
	} {
		if _, err := v.Verify(token); !perr.HasCode(err, perr.CodeUnauthenticated) {
			t.Errorf("%s: expected UNAUTHENTICATED, got %v", name, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	v := &Verifier{Secret: []byte("test-secret"), Now: fixedNow}
	var seen string
	h := v.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ParticipantID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rr.Code)
	}

	token, _ := v.Issue("p9", time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || seen != "p9" {
		t.Errorf("Expected pass-through for p9, got %d / %q", rr.Code, seen)
	}
}
