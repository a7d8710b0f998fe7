package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/signature"
)

// Signatures drives remote signing sessions.
type Signatures interface {
	Begin(ctx context.Context, scope auth.Scope, prescriptionID, cpf string, mode signature.Mode) (*signature.Session, error)
	Get(ctx context.Context, scope auth.Scope, id string) (*signature.Session, error)
	PollPush(ctx context.Context, scope auth.Scope, id string) (*signature.Session, error)
	Complete(ctx context.Context, scope auth.Scope, id, code string) (*signature.Session, error)
}

type SignatureHandler struct {
	svc    Signatures
	logger *zap.Logger
}

func NewSignatureHandler(svc Signatures, logger *zap.Logger) *SignatureHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignatureHandler{svc: svc, logger: logger}
}

// Routes are mounted under /signature-sessions.
func (h *SignatureHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Begin)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/poll", h.Poll)
	r.Post("/{id}/complete", h.Complete)
	return r
}

// BeginRequest starts a session. Mode defaults to redirect.
type BeginRequest struct {
	PrescriptionID string         `json:"prescription_id"`
	CPF            string         `json:"cpf"`
	Mode           signature.Mode `json:"mode"`
}

// Begin handles POST /signature-sessions
func (h *SignatureHandler) Begin(w http.ResponseWriter, r *http.Request) {
	var req BeginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Mode == "" {
		req.Mode = signature.ModeRedirect
	}
	sess, err := h.svc.Begin(r.Context(), scopeOf(r), req.PrescriptionID, req.CPF, req.Mode)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// Get handles GET /signature-sessions/{id}
func (h *SignatureHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Poll handles POST /signature-sessions/{id}/poll
func (h *SignatureHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.PollPush(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CompleteRequest carries the code from the provider redirect. Push sessions
// send an empty body.
type CompleteRequest struct {
	Code string `json:"code"`
}

// Complete handles POST /signature-sessions/{id}/complete
func (h *SignatureHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	sess, err := h.svc.Complete(r.Context(), scopeOf(r), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("prescription signed",
		zap.String("session_id", sess.ID),
		zap.String("prescription_id", sess.PrescriptionID))
	writeJSON(w, http.StatusOK, sess)
}
