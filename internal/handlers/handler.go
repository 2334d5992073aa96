package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/database"
	"github.com/gov-dx-sandbox/case-engine/internal/erasure"
	"github.com/gov-dx-sandbox/case-engine/internal/identity"
	"github.com/gov-dx-sandbox/case-engine/internal/matching"
	"github.com/gov-dx-sandbox/case-engine/internal/merge"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/permissions"
	"github.com/gov-dx-sandbox/case-engine/internal/utils"
	"gorm.io/gorm"
)

// Handler exposes the case engine operations over JSON
type Handler struct {
	db      *gorm.DB
	checker *access.Checker
	matcher *matching.Matcher
	merges  *merge.Engine
	erasure *erasure.Workflow
}

// NewHandler creates a handler
func NewHandler(db *gorm.DB, checker *access.Checker, matcher *matching.Matcher, merges *merge.Engine, workflow *erasure.Workflow) *Handler {
	return &Handler{db: db, checker: checker, matcher: matcher, merges: merges, erasure: workflow}
}

// Routes mounts the authenticated API. The caller must install
// identity.Authenticate in front of it.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/access/check", h.CheckAccess)

	r.Route("/clients", func(r chi.Router) {
		r.Post("/duplicates", h.FindDuplicates)
		r.Get("/merge-candidates", h.MergeCandidates)
		r.Get("/merge/{keptID}/{archivedID}", h.CompareForMerge)
		r.Post("/merge", h.ExecuteMerge)
		r.Get("/{clientID}/erasure-preview", h.ErasurePreview)
	})

	r.Route("/erasure-requests", func(r chi.Router) {
		r.Post("/", h.CreateErasureRequest)
		r.Get("/pending", h.PendingErasureRequests)
		r.Get("/{requestID}/deadlock", h.ErasureDeadlock)
		r.Post("/{requestID}/approvals", h.ApproveErasure)
		r.Post("/{requestID}/reject", h.RejectErasure)
		r.Post("/{requestID}/cancel", h.CancelErasure)
		r.Post("/{requestID}/execute", h.ExecuteErasure)
	})
}

// Health reports whether the permission matrix is consistent and the database reachable
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := permissions.Validate(); err != nil {
		slog.Error("Health check failed: permission matrix", "error", err)
		utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "permission matrix"})
		return
	}
	if err := database.Ping(r.Context(), h.db); err != nil {
		slog.Error("Health check failed: database", "error", err)
		utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "database"})
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// caller returns the authenticated identity or writes a 401
func caller(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Authentication required")
	}
	return id, ok
}

func uintParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", models.ErrValidation, name, raw)
	}
	return uint(v), nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err)
	}
	return nil
}

// respondError maps the error taxonomy to a status code and body
func respondError(w http.ResponseWriter, err error) {
	var (
		denied       *models.AuthorizationDeniedError
		violations   *models.PreconditionViolationError
		invalidState *models.InvalidStateTransitionError
		cfgErr       *models.ConfigurationError
		sinkErr      *models.SinkFailureError
	)
	switch {
	case errors.As(err, &denied):
		utils.RespondWithError(w, http.StatusForbidden, models.ErrorCodeForbidden, denied.UserMessage())
	case errors.As(err, &violations):
		utils.RespondWithViolations(w, violations.Violations)
	case errors.As(err, &invalidState):
		utils.RespondWithError(w, http.StatusConflict, models.ErrorCodeInvalidState, invalidState.Error())
	case errors.Is(err, models.ErrValidation), errors.Is(err, access.ErrBypassWithClient):
		utils.RespondWithError(w, http.StatusBadRequest, models.ErrorCodeBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		utils.RespondWithError(w, http.StatusNotFound, models.ErrorCodeNotFound, err.Error())
	case errors.Is(err, models.ErrTooManyToScan):
		utils.RespondWithError(w, http.StatusUnprocessableEntity, models.ErrorCodeTooManyToScan, err.Error())
	case errors.As(err, &cfgErr):
		slog.Error("Configuration error", "component", cfgErr.Component, "error", err)
		utils.RespondWithError(w, http.StatusServiceUnavailable, models.ErrorCodeConfiguration, "The service is misconfigured")
	case errors.As(err, &sinkErr):
		slog.Error("Audit sink failure", "sink", sinkErr.Sink, "error", err)
		utils.RespondWithError(w, http.StatusBadGateway, models.ErrorCodeAuditUnavailable, "The audit log is unavailable; nothing was changed")
	default:
		slog.Error("Unhandled error", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
	}
}
