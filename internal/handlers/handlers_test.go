package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/readerstudy/internal/auth"
	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/ai"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/session"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/trial"
	"github.com/lehigh-university-libraries/readerstudy/internal/storage"
)

type fallbackPredictions struct{}

func (fallbackPredictions) Resolve(_ context.Context, phase models.Phase, imageID int) models.AIPrediction {
	return ai.Fallback(phase, imageID)
}

type failingStore struct {
	*storage.MemoryStore
	failures  int
	failReads int
}

func (f *failingStore) GetParticipant(ctx context.Context, id string) (models.Participant, error) {
	if f.failReads > 0 {
		f.failReads--
		return models.Participant{}, errors.New("connection reset")
	}
	return f.MemoryStore.GetParticipant(ctx, id)
}

func (f *failingStore) SaveTrial(ctx context.Context, id string, r models.TrialRecord) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.MemoryStore.SaveTrial(ctx, id, r)
}

type testServer struct {
	*httptest.Server
	token string
	store *failingStore
}

func newTestServer(t *testing.T, failures int) *testServer {
	t.Helper()
	store := &failingStore{MemoryStore: storage.New(), failures: failures}
	err := store.PutParticipant(context.Background(), models.Participant{
		UserID:         "reader-1",
		TreatmentGroup: models.GroupControl,
		CurrentPhase:   models.Phase1,
		ImageSequence:  []int{4, 9, 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	verifier := auth.NewVerifier("handler-test-secret")
	token, err := verifier.Issue("reader-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "4.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, image.NewGray(image.Rect(0, 0, 80, 40))); err != nil {
		t.Fatal(err)
	}
	f.Close()

	h := New(Options{
		Sessions: session.NewController(session.Options{
			TotalTrials: 3,
			Store:       store,
			Predictions: fallbackPredictions{},
			ImageDir:    dir,
		}),
		Verifier: verifier,
		ImageDir: dir,
		MapDir:   dir,
	})
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, token: token, store: store}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept-Language", "en")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("Decode %s %s: %v", method, path, err)
		}
	}
	return resp, out
}

func trialField(t *testing.T, body map[string]any, key string) any {
	t.Helper()
	sess, ok := body["session"].(map[string]any)
	if !ok {
		sess = body
	}
	tr, ok := sess["trial"].(map[string]any)
	if !ok {
		t.Fatalf("No trial in %v", body)
	}
	return tr[key]
}

func TestRequiresToken(t *testing.T) {
	srv := newTestServer(t, 0)
	resp, err := http.Get(srv.URL + "/api/session")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != perr.CodeUnauthenticated {
		t.Errorf("Expected UNAUTHENTICATED, got %s", body.Error.Code)
	}
}

func TestNoAITrialWithRetryAfterPersistenceFailure(t *testing.T) {
	srv := newTestServer(t, 1)

	resp, body := srv.do(t, "GET", "/api/session", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/session: %d %v", resp.StatusCode, body)
	}
	if got := trialField(t, body, "trialId"); got != "trial_1" {
		t.Fatalf("Expected trial_1, got %v", got)
	}
	if got := trialField(t, body, "variant"); got != string(trial.VariantNoAI) {
		t.Fatalf("Expected no-AI variant, got %v", got)
	}

	// Submitting without a diagnosis is blocked.
	resp, body = srv.do(t, "POST", "/api/trial/submit", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409 for missing diagnosis, got %d", resp.StatusCode)
	}
	notice := body["error"].(map[string]any)
	if notice["code"] != string(perr.CodeTrialDiagnosisRequired) || notice["message"] != "Please select a diagnosis." {
		t.Errorf("Unexpected notice %v", notice)
	}

	for _, step := range []struct{ path, body string }{
		{"/api/trial/diagnosis", `{"diagnosis":"nem"}`},
		{"/api/trial/confidence", `{"confidence":3}`},
	} {
		if resp, body := srv.do(t, "POST", step.path, step.body); resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s: %d %v", step.path, resp.StatusCode, body)
		}
	}

	resp, body = srv.do(t, "POST", "/api/trial/submit", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 on failed save, got %d %v", resp.StatusCode, body)
	}
	notice = body["error"].(map[string]any)
	if notice["retryable"] != true || notice["dismissible"] != true || notice["retryMethod"] != "POST" || notice["retryPath"] != "/api/trial/commit" {
		t.Errorf("Expected retryable dismissible notice, got %v", notice)
	}
	if got := trialField(t, body, "step"); got != string(trial.StepCommit) {
		t.Errorf("Expected answers kept at commit step, got %v", got)
	}

	resp, body = srv.do(t, "POST", "/api/trial/commit", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Retry failed: %d %v", resp.StatusCode, body)
	}
	if got := trialField(t, body, "trialId"); got != "trial_2" {
		t.Errorf("Expected trial_2 after retry, got %v", got)
	}

	records, err := srv.store.ListTrials(context.Background(), "reader-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Diagnosis != models.DiagnosisNo || records[0].Confidence != 3 {
		t.Fatalf("Unexpected stored records %+v", records)
	}

	resp, body = srv.do(t, "GET", "/api/session/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET metrics: %d", resp.StatusCode)
	}
	overall := body["overall"].(map[string]any)
	if overall["trials"] != float64(1) || overall["meanFinalConfidence"] != float64(3) {
		t.Errorf("Unexpected metrics %v", overall)
	}
}

func TestStartFailureRetriesStart(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.store.failReads = 1

	resp, body := srv.do(t, "GET", "/api/session", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when the participant read fails, got %d %v", resp.StatusCode, body)
	}
	notice := body["error"].(map[string]any)
	if notice["retryMethod"] != "POST" || notice["retryPath"] != "/api/session/start" {
		t.Fatalf("Expected retry through session start, got %v", notice)
	}

	resp, body = srv.do(t, "POST", "/api/session/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Retry of start failed: %d %v", resp.StatusCode, body)
	}
	if got := trialField(t, body, "trialId"); got != "trial_1" {
		t.Errorf("Expected trial_1 after retry, got %v", got)
	}
}

func TestTrialRejectsUnknownInput(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.do(t, "POST", "/api/session/start", "")

	if resp, _ := srv.do(t, "POST", "/api/trial/findings", `{"slot":"box9","class":"tunet"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown slot, got %d", resp.StatusCode)
	}
	if resp, _ := srv.do(t, "POST", "/api/trial/confidence", `{"confidence":8}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for confidence 8, got %d", resp.StatusCode)
	}
	if resp, _ := srv.do(t, "POST", "/api/trial/pointer", `{"type":"wiggle"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown pointer event, got %d", resp.StatusCode)
	}
	if resp, _ := srv.do(t, "POST", "/api/trial/revise", `{"diagnosis":"igen"}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for revise outside feedback, got %d", resp.StatusCode)
	}
	if resp, _ := srv.do(t, "POST", "/api/trial/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown action, got %d", resp.StatusCode)
	}
}

func TestDatasetRoutes(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, err := http.Get(srv.URL + "/dataset/no_map/4.png")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for dataset image, got %d", resp.StatusCode)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/dataset/map/..%5Csecret", nil)
	New(Options{ImageDir: "x", MapDir: "x"}).HandleDataset(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for traversal, got %d", rr.Code)
	}

	resp, err = http.Get(srv.URL + "/dataset/other/4.png")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown dataset folder, got %d", resp.StatusCode)
	}
}

func TestOverlayETag(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.do(t, "POST", "/api/session/start", "")

	resp, _ := srv.do(t, "GET", "/api/trial/overlay.png?width=40", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for overlay, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %q", ct)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("Expected an ETag on the overlay")
	}

	req, err := http.NewRequest("GET", srv.URL+"/api/trial/overlay.png?width=40", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+srv.token)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("Expected 304 for unchanged overlay, got %d", resp.StatusCode)
	}

	if resp, _ := srv.do(t, "GET", "/api/trial/overlay.png?width=0", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for width 0, got %d", resp.StatusCode)
	}
}
