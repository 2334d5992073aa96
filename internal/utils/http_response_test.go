package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithJSON(t *testing.T) {
	w := httptest.NewRecorder()

	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
}

func TestRespondWithError(t *testing.T) {
	w := httptest.NewRecorder()

	RespondWithError(w, http.StatusForbidden, models.ErrorCodeForbidden, "Your role does not permit this action.")

	assert.Equal(t, http.StatusForbidden, w.Code)
	var response models.ErrorResponseWithCode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "FORBIDDEN", response.Code)
	assert.Equal(t, "Your role does not permit this action.", response.Error)
	assert.Empty(t, response.Violations)
}

func TestRespondWithViolations(t *testing.T) {
	w := httptest.NewRecorder()

	RespondWithViolations(w, []models.Violation{
		{Code: "same_client", Message: "a client cannot be merged with itself"},
		{Code: "demo_mismatch", Message: "demo and real clients cannot be merged"},
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	var response models.ErrorResponseWithCode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, string(models.ErrorCodePrecondition), response.Code)
	assert.Len(t, response.Violations, 2)
}
