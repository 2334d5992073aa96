package handlers

import (
	"net/http"

	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/matching"
	"github.com/gov-dx-sandbox/case-engine/internal/merge"
	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/permissions"
	"github.com/gov-dx-sandbox/case-engine/internal/utils"
)

// duplicateQuery is posted rather than sent as query parameters so intake
// values stay out of access logs
type duplicateQuery struct {
	FirstName       string `json:"firstName"`
	BirthDate       string `json:"birthDate"`
	Phone           string `json:"phone"`
	ExcludeClientID *uint  `json:"excludeClientId,omitempty"`
}

// FindDuplicates handles POST /api/clients/duplicates
func (h *Handler) FindDuplicates(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var body duplicateQuery
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if err := h.authorizeGlobal(r, id, permissions.ClientFindDupes); err != nil {
		respondError(w, err)
		return
	}

	matches, err := h.matcher.FindDuplicateMatches(r.Context(), id, matching.Query{
		FirstName:       body.FirstName,
		BirthDate:       body.BirthDate,
		Phone:           body.Phone,
		ExcludeClientID: body.ExcludeClientID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"matches": matches})
}

// MergeCandidates handles GET /api/clients/merge-candidates
func (h *Handler) MergeCandidates(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.authorizeGlobal(r, id, permissions.ClientMerge); err != nil {
		respondError(w, err)
		return
	}

	pairs, err := h.matcher.FindMergeCandidates(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"candidates": pairs})
}

// CompareForMerge handles GET /api/clients/merge/{keptID}/{archivedID}
func (h *Handler) CompareForMerge(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	keptID, err := uintParam(r, "keptID")
	if err != nil {
		respondError(w, err)
		return
	}
	archivedID, err := uintParam(r, "archivedID")
	if err != nil {
		respondError(w, err)
		return
	}

	comparison, err := h.merges.BuildComparison(r.Context(), id, keptID, archivedID)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, comparison)
}

// ExecuteMerge handles POST /api/clients/merge
func (h *Handler) ExecuteMerge(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var decision merge.Decision
	if err := decodeBody(r, &decision); err != nil {
		respondError(w, err)
		return
	}

	result, err := h.merges.Execute(r.Context(), id, decision)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, result)
}

// authorizeGlobal checks a permission that is not tied to one client.
// Administrators pass without a program role.
func (h *Handler) authorizeGlobal(r *http.Request, id models.Identity, key permissions.Key) error {
	req, err := access.NewRequest(key, access.WithAdminBypass())
	if err != nil {
		return err
	}
	_, err = h.checker.Authorize(r.Context(), id, req)
	return err
}
