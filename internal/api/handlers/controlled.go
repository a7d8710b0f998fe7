package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/apperror"
	"github.com/atendebem/go-atende/internal/domain/controlled"
)

// ControlledHandler exposes the controlled-substance classifier.
type ControlledHandler struct {
	classifier *controlled.Classifier
	logger     *zap.Logger
}

func NewControlledHandler(classifier *controlled.Classifier, logger *zap.Logger) *ControlledHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlledHandler{classifier: classifier, logger: logger}
}

// Classify handles GET /controlled/classify?name=
func (h *ControlledHandler) Classify(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, r, h.logger, apperror.Validation("controlled.Classify", "name", "is required"))
		return
	}
	w.Header().Set("X-Table-Version", h.classifier.Version())
	writeJSON(w, http.StatusOK, h.classifier.Classify(name))
}
