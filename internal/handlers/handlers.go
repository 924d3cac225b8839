package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/readerstudy/internal/auth"
	"github.com/lehigh-university-libraries/readerstudy/internal/i18n"
	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/session"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/trial"
	"github.com/lehigh-university-libraries/readerstudy/internal/utils"
	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
	"github.com/lehigh-university-libraries/readerstudy/pkg/metrics"
)

const defaultOverlayWidth = 800

// Options wires the Handler. ImageDir and MapDir back the /dataset/no_map/
// and /dataset/map/ image routes.
type Options struct {
	Sessions *session.Controller
	Verifier *auth.Verifier
	ImageDir string
	MapDir   string
}

type Handler struct {
	sessions *session.Controller
	verifier *auth.Verifier
	imageDir string
	mapDir   string
}

func New(opts Options) *Handler {
	return &Handler{
		sessions: opts.Sessions,
		verifier: opts.Verifier,
		imageDir: opts.ImageDir,
		mapDir:   opts.MapDir,
	}
}

// Routes registers the API on mux. Everything under /api requires a
// participant token.
func (h *Handler) Routes(mux *http.ServeMux) {
	authed := h.verifier.Middleware(h.writeError)

	mux.Handle("/api/session", authed(http.HandlerFunc(h.HandleSession)))
	mux.Handle("/api/session/start", authed(http.HandlerFunc(h.HandleSessionStart)))
	mux.Handle("/api/session/metrics", authed(http.HandlerFunc(h.HandleSessionMetrics)))
	mux.Handle("/api/trial/", authed(http.HandlerFunc(h.HandleTrial)))
	mux.HandleFunc("/dataset/", h.HandleDataset)
}

func (h *Handler) participantSession(r *http.Request) (*session.Session, bool) {
	id, ok := auth.ParticipantID(r.Context())
	if !ok {
		return nil, false
	}
	return h.sessions.Session(id), true
}

// HandleSession returns the current view, starting the session on first use.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := h.participantSession(r)
	if !ok {
		h.writeError(w, r, perr.New(perr.CodeUnauthenticated, "no participant"))
		return
	}

	v := s.View()
	if v.Progress.Phase == "" {
		var err error
		if v, err = s.Start(r.Context()); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	utils.RespondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) HandleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := h.participantSession(r)
	if !ok {
		h.writeError(w, r, perr.New(perr.CodeUnauthenticated, "no participant"))
		return
	}

	v, err := s.Start(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) HandleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := h.participantSession(r)
	if !ok {
		h.writeError(w, r, perr.New(perr.CodeUnauthenticated, "no participant"))
		return
	}

	records, err := s.Records(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"overall": metrics.Summarize(records),
		"phases":  metrics.ByPhase(records),
	})
}

type findingRequest struct {
	Slot  string              `json:"slot"`
	Class models.FindingClass `json:"class"`
}

type drawRequest struct {
	Slot string `json:"slot"`
}

type layoutRequest struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type pointerRequest struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type diagnosisRequest struct {
	Diagnosis models.Diagnosis `json:"diagnosis"`
}

type confidenceRequest struct {
	Confidence int `json:"confidence"`
}

// HandleTrial dispatches /api/trial/{action}.
func (h *Handler) HandleTrial(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/api/trial/")
	s, ok := h.participantSession(r)
	if !ok {
		h.writeError(w, r, perr.New(perr.CodeUnauthenticated, "no participant"))
		return
	}

	if action == "overlay.png" {
		if r.Method != "GET" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleOverlay(w, r, s)
		return
	}
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if action == "commit" {
		v, err := s.Commit(r.Context())
		h.respond(w, r, v, err)
		return
	}

	var op func(m *trial.Machine) error
	switch action {
	case "findings":
		var req findingRequest
		if !decode(w, r, &req) {
			return
		}
		op = func(m *trial.Machine) error { return m.Classify(req.Slot, req.Class) }
	case "draw":
		var req drawRequest
		if !decode(w, r, &req) {
			return
		}
		op = func(m *trial.Machine) error { return m.ActivateSlot(req.Slot) }
	case "layout":
		var req layoutRequest
		if !decode(w, r, &req) {
			return
		}
		op = func(m *trial.Machine) error {
			m.Tool().SetLayout(geometry.Rect{Left: req.Left, Top: req.Top, Width: req.Width, Height: req.Height})
			return nil
		}
	case "pointer":
		var req pointerRequest
		if !decode(w, r, &req) {
			return
		}
		switch req.Type {
		case "down", "move", "up", "leave":
		default:
			http.Error(w, "Unknown pointer event", http.StatusBadRequest)
			return
		}
		op = func(m *trial.Machine) error { return pointer(m, req) }
	case "diagnosis":
		var req diagnosisRequest
		if !decode(w, r, &req) {
			return
		}
		op = func(m *trial.Machine) error { return m.SelectDiagnosis(req.Diagnosis) }
	case "revise":
		var req diagnosisRequest
		if !decode(w, r, &req) {
			return
		}
		op = func(m *trial.Machine) error { return m.Revise(req.Diagnosis) }
	case "confidence":
		var req confidenceRequest
		if !decode(w, r, &req) {
			return
		}
		op = func(m *trial.Machine) error { return confidence(m, req.Confidence) }
	case "submit":
		op = func(m *trial.Machine) error { return m.SubmitInitial() }
	case "continue":
		op = func(m *trial.Machine) error { return m.Continue() }
	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	v, err := s.Do(r.Context(), op)
	h.respond(w, r, v, err)
}

func pointer(m *trial.Machine, req pointerRequest) error {
	if !m.DrawingEnabled() {
		// Input outside draw mode is ignored, as the canvas would.
		return nil
	}
	tool := m.Tool()
	switch req.Type {
	case "down":
		tool.PointerDown(req.X, req.Y)
	case "move":
		tool.PointerMove(req.X, req.Y)
	case "up":
		tool.PointerUp(req.X, req.Y)
	case "leave":
		tool.PointerLeave()
	}
	return nil
}

// confidence routes a rating to whichever step is asking for one.
func confidence(m *trial.Machine, c int) error {
	switch m.Step() {
	case trial.StepPreConfidence:
		return m.SubmitPreConfidence(c)
	case trial.StepPostConfidence:
		return m.SubmitFinalConfidence(c)
	default:
		return m.SetConfidence(c)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Error("Unable to decode request", "path", r.URL.Path, "err", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, v session.View, err error) {
	if err != nil {
		h.writeErrorWithView(w, r, err, &v)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) handleOverlay(w http.ResponseWriter, r *http.Request, s *session.Session) {
	width := defaultOverlayWidth
	if raw := r.URL.Query().Get("width"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 4096 {
			http.Error(w, "Invalid width", http.StatusBadRequest)
			return
		}
		width = n
	}

	img, err := s.Overlay(width)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		slog.Error("Unable to encode overlay", "err", err)
		http.Error(w, "Failed to render overlay", http.StatusInternalServerError)
		return
	}
	etag := `"` + utils.CalculateDataMD5(buf.Bytes()) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Unable to write overlay", "err", err)
	}
}

// HandleDataset serves the radiographs and heatmaps the trial views point at.
func (h *Handler) HandleDataset(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" && r.Method != "HEAD" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/dataset/")
	var dir, name string
	switch {
	case strings.HasPrefix(rest, "no_map/"):
		dir, name = h.imageDir, strings.TrimPrefix(rest, "no_map/")
	case strings.HasPrefix(rest, "map/"):
		dir, name = h.mapDir, strings.TrimPrefix(rest, "map/")
	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	// Prevent directory traversal attacks
	if dir == "" || name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		http.Error(w, "Invalid file path", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, filepath.Join(dir, name))
}

// Notice is the localized, dismissible message shown for a failed request.
// Retryable notices offer a retry action that resends the same commit.
type Notice struct {
	Code         perr.Code `json:"code"`
	Message      string    `json:"message"`
	Retryable    bool      `json:"retryable"`
	Dismissible  bool      `json:"dismissible"`
	RetryLabel   string    `json:"retryLabel,omitempty"`
	RetryMethod  string    `json:"retryMethod,omitempty"`
	RetryPath    string    `json:"retryPath,omitempty"`
	DismissLabel string    `json:"dismissLabel"`
}

type errorResponse struct {
	Error   Notice        `json:"error"`
	Session *session.View `json:"session,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWithView(w, r, err, nil)
}

func (h *Handler) writeErrorWithView(w http.ResponseWriter, r *http.Request, err error, v *session.View) {
	code := perr.CodeOf(err)
	status := code.HTTPStatus()
	tag := i18n.ResolveTag(r)

	notice := Notice{
		Code:         code,
		Message:      i18n.Notice(tag, code, perr.MetadataOf(err)),
		Retryable:    code.Retryable(),
		Dismissible:  true,
		DismissLabel: i18n.Text(tag, "notice.dismiss"),
	}
	if notice.Retryable {
		notice.RetryLabel = i18n.Text(tag, "notice.retry")
		notice.RetryMethod, notice.RetryPath = retryTarget(r)
	}

	logRequestError(r.Context(), r, status, err)

	resp := errorResponse{Error: notice}
	if v != nil && v.ParticipantID != "" {
		resp.Session = v
	}
	utils.RespondWithJSON(w, status, resp)
}

// retryTarget names the request that repeats the failed operation. Trial
// actions only fail retryably while persisting, which commit resends;
// session reads restart, which is safe to repeat.
func retryTarget(r *http.Request) (string, string) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/trial/"):
		return "POST", "/api/trial/commit"
	case r.URL.Path == "/api/session/metrics":
		return "GET", r.URL.Path
	default:
		return "POST", "/api/session/start"
	}
}

func logRequestError(ctx context.Context, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Request failed", "path", r.URL.Path, "status", status, "err", err)
		return
	}
	slog.DebugContext(ctx, "Request rejected", "path", r.URL.Path, "status", status, "err", err)
}
