package handlers

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/permissions"
	"github.com/gov-dx-sandbox/case-engine/internal/utils"
)

type accessCheckRequest struct {
	Permission  string `json:"permission"`
	ProgramID   *uint  `json:"programId,omitempty"`
	ClientID    *uint  `json:"clientId,omitempty"`
	AdminBypass bool   `json:"adminBypass,omitempty"`
}

type accessCheckResponse struct {
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
	Level      string `json:"level"`
	Role       string `json:"role,omitempty"`
	Message    string `json:"message,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

// CheckAccess handles POST /api/access/check. A denial is a normal 200 answer
// here; the body says why in user-facing terms.
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}

	var body accessCheckRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	key := permissions.Key(body.Permission)
	if !slices.Contains(permissions.Default.Keys(), key) {
		respondError(w, fmt.Errorf("%w: unknown permission %q", models.ErrValidation, body.Permission))
		return
	}

	var opts []access.Option
	if body.ProgramID != nil {
		opts = append(opts, access.WithProgram(*body.ProgramID))
	}
	if body.ClientID != nil {
		opts = append(opts, access.WithClient(*body.ClientID))
	}
	if body.AdminBypass {
		opts = append(opts, access.WithAdminBypass())
	}
	req, err := access.NewRequest(key, opts...)
	if err != nil {
		respondError(w, err)
		return
	}

	decision := h.checker.Check(r.Context(), id, req)
	resp := accessCheckResponse{
		Permission: body.Permission,
		Allowed:    decision.Allowed,
		Level:      string(decision.Level),
		Warning:    decision.Warning,
	}
	if decision.Role != nil {
		resp.Role = string(*decision.Role)
	}
	if !decision.Allowed {
		resp.Message = (&models.AuthorizationDeniedError{Reason: decision.Reason}).UserMessage()
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}
