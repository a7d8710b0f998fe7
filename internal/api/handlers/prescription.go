package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/domain/prescription"
)

// Prescriptions is the lifecycle as seen by HTTP callers.
type Prescriptions interface {
	Create(ctx context.Context, scope auth.Scope, in prescription.CreateInput) (*prescription.Prescription, error)
	Get(ctx context.Context, scope auth.Scope, id string) (*prescription.Prescription, error)
	List(ctx context.Context, scope auth.Scope, f prescription.Filter) ([]*prescription.Prescription, error)
	Revoke(ctx context.Context, scope auth.Scope, id, reason string) (*prescription.Prescription, error)
	Renew(ctx context.Context, scope auth.Scope, id string, validityDays int) (*prescription.Prescription, error)
	AuditTrail(ctx context.Context, scope auth.Scope, id string) ([]audit.Entry, error)
	ValidateByToken(ctx context.Context, token string) (*prescription.PublicView, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    Prescriptions
	logger *zap.Logger
}

func NewPrescriptionHandler(svc Prescriptions, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, logger: logger}
}

// Routes returns the authenticated routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/document", h.Document)
	r.Get("/{id}/audit", h.Audit)
	r.Post("/{id}/revoke", h.Revoke)
	r.Post("/{id}/renew", h.Renew)
	return r
}

// PublicRoutes need no authentication.
func (h *PrescriptionHandler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{token}", h.Validate)
	return r
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in prescription.CreateInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.svc.Create(r.Context(), scopeOf(r), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.Bool("controlled", p.IsControlled))
	writeJSON(w, http.StatusCreated, p)
}

// List handles GET /prescriptions?status=&patient_id=&limit=&offset=
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := prescription.Filter{
		Status:    prescription.Status(q.Get("status")),
		PatientID: q.Get("patient_id"),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, h.logger, apperror.Validation("prescription.List", "limit", "must be an integer"))
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, h.logger, apperror.Validation("prescription.List", "offset", "must be an integer"))
		return
	}

	list, err := h.svc.List(r.Context(), scopeOf(r), f)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*prescription.Prescription{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": list, "count": len(list)})
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Document handles GET /prescriptions/{id}/document: the canonical bytes
// that get signed, with their hash.
func (h *PrescriptionHandler) Document(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	doc, err := p.Document()
	if err != nil {
		writeError(w, r, h.logger, apperror.Internal("prescription.Document", err))
		return
	}
	w.Header().Set("X-Content-SHA256", prescription.HashDocument(doc))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// Audit handles GET /prescriptions/{id}/audit
func (h *PrescriptionHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditTrail(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// RevokeRequest is the body of POST /prescriptions/{id}/revoke
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// Revoke handles POST /prescriptions/{id}/revoke
func (h *PrescriptionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.svc.Revoke(r.Context(), scopeOf(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RenewRequest is the body of POST /prescriptions/{id}/renew. Zero keeps the
// original validity.
type RenewRequest struct {
	ValidityDays int `json:"validity_days"`
}

// Renew handles POST /prescriptions/{id}/renew
func (h *PrescriptionHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req RenewRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	p, err := h.svc.Renew(r.Context(), scopeOf(r), chi.URLParam(r, "id"), req.ValidityDays)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Validate handles GET /public/prescriptions/{token}. Every failure looks
// the same to the caller.
func (h *PrescriptionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ValidateByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInternal {
			h.logger.Error("public validation failed", zap.Error(err))
		}
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: prescription.PublicNotFoundMessage})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, view)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
