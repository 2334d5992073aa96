package handlers

import (
	"context"
	"net/http"

	"github.com/gov-dx-sandbox/case-engine/internal/erasure"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/permissions"
	"github.com/gov-dx-sandbox/case-engine/internal/utils"
)

type approvalRequest struct {
	ProgramID uint `json:"programId"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// ErasurePreview handles GET /api/clients/{clientID}/erasure-preview
func (h *Handler) ErasurePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	clientID, err := uintParam(r, "clientID")
	if err != nil {
		respondError(w, err)
		return
	}

	preview, err := h.erasure.Preview(r.Context(), id, clientID)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, preview)
}

// CreateErasureRequest handles POST /api/erasure-requests
func (h *Handler) CreateErasureRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var body erasure.CreateInput
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}

	req, err := h.erasure.CreateRequest(r.Context(), id, body)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, req)
}

// PendingErasureRequests handles GET /api/erasure-requests/pending
func (h *Handler) PendingErasureRequests(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	pending, err := h.erasure.PendingForApprover(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"requests": pending})
}

// ErasureDeadlock handles GET /api/erasure-requests/{requestID}/deadlock
func (h *Handler) ErasureDeadlock(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	requestID, err := uintParam(r, "requestID")
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.authorizeGlobal(r, id, permissions.ErasureView); err != nil {
		respondError(w, err)
		return
	}

	deadlocked, err := h.erasure.IsDeadlocked(r.Context(), requestID)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"requestId": requestID, "deadlocked": deadlocked})
}

// ApproveErasure handles POST /api/erasure-requests/{requestID}/approvals
func (h *Handler) ApproveErasure(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	requestID, err := uintParam(r, "requestID")
	if err != nil {
		respondError(w, err)
		return
	}
	var body approvalRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}

	result, err := h.erasure.RecordApproval(r.Context(), id, requestID, body.ProgramID)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, result)
}

// RejectErasure handles POST /api/erasure-requests/{requestID}/reject
func (h *Handler) RejectErasure(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	requestID, err := uintParam(r, "requestID")
	if err != nil {
		respondError(w, err)
		return
	}
	var body rejectRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}

	req, err := h.erasure.Reject(r.Context(), id, requestID, body.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, req)
}

// CancelErasure handles POST /api/erasure-requests/{requestID}/cancel
func (h *Handler) CancelErasure(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.erasure.Cancel)
}

// ExecuteErasure handles POST /api/erasure-requests/{requestID}/execute
func (h *Handler) ExecuteErasure(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.erasure.ExecuteErasure)
}

type transitionFunc func(ctx context.Context, caller models.Identity, requestID uint) (*models.ErasureRequest, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	requestID, err := uintParam(r, "requestID")
	if err != nil {
		respondError(w, err)
		return
	}

	req, err := fn(r.Context(), id, requestID)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, req)
}
