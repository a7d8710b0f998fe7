package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/domain/billing"
	"github.com/atendebem/go-atende/internal/tiss"
)

// maxXMLBody bounds documents posted to the validator.
const maxXMLBody = 10 << 20

// Billing issues guides and assembles submissions.
type Billing interface {
	IssueGuide(ctx context.Context, scope auth.Scope, g tiss.Guide) (*billing.GuideRecord, error)
	GetGuide(ctx context.Context, scope auth.Scope, id string) (*billing.GuideRecord, error)
	RenderGuide(ctx context.Context, scope auth.Scope, id string) ([]byte, error)
	CreateSubmission(ctx context.Context, scope auth.Scope, in billing.SubmissionInput) (*billing.Submission, error)
	GetSubmission(ctx context.Context, scope auth.Scope, id string) (*billing.Submission, error)
}

type TISSHandler struct {
	svc    Billing
	logger *zap.Logger
}

func NewTISSHandler(svc Billing, logger *zap.Logger) *TISSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TISSHandler{svc: svc, logger: logger}
}

// Routes are mounted under /tiss.
func (h *TISSHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/guides", h.IssueGuide)
	r.Get("/guides/{id}", h.GetGuide)
	r.Get("/guides/{id}/xml", h.GuideXML)
	r.Post("/submissions", h.CreateSubmission)
	r.Get("/submissions/{id}", h.GetSubmission)
	r.Get("/submissions/{id}/xml", h.SubmissionXML)
	r.Post("/validate", h.Validate)
	return r
}

// IssueGuide handles POST /tiss/guides
func (h *TISSHandler) IssueGuide(w http.ResponseWriter, r *http.Request) {
	var g tiss.Guide
	if err := decode(r, &g); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rec, err := h.svc.IssueGuide(r.Context(), scopeOf(r), g)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetGuide handles GET /tiss/guides/{id}
func (h *TISSHandler) GetGuide(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetGuide(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GuideXML handles GET /tiss/guides/{id}/xml
func (h *TISSHandler) GuideXML(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.RenderGuide(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeXML(w, out)
}

// CreateSubmission handles POST /tiss/submissions. An invalid lot is still
// stored and returned with its errors.
func (h *TISSHandler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var in billing.SubmissionInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sub, err := h.svc.CreateSubmission(r.Context(), scopeOf(r), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !sub.Valid {
		h.logger.Warn("submission failed validation",
			zap.String("submission_id", sub.ID),
			zap.Strings("errors", sub.Errors))
	}
	writeJSON(w, http.StatusCreated, sub)
}

// GetSubmission handles GET /tiss/submissions/{id}
func (h *TISSHandler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.GetSubmission(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// SubmissionXML handles GET /tiss/submissions/{id}/xml
func (h *TISSHandler) SubmissionXML(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.GetSubmission(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("X-TISS-Hash", sub.Hash)
	writeXML(w, sub.XML)
}

// Validate handles POST /tiss/validate with a raw mensagemTISS body.
func (h *TISSHandler) Validate(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxXMLBody))
	if err != nil {
		writeError(w, r, h.logger, apperror.Validation("tiss.Validate", "body", "unreadable"))
		return
	}
	writeJSON(w, http.StatusOK, tiss.Validate(doc))
}

func writeXML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
