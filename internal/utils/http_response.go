package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
)

// RespondWithJSON sends a JSON response with the given status code
func RespondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers are already written; nothing more can be sent
		slog.Error("Failed to encode JSON response", "error", err, "statusCode", statusCode)
	}
}

// RespondWithError sends a JSON error body with a machine-readable code
func RespondWithError(w http.ResponseWriter, statusCode int, code models.ErrorCode, message string) {
	RespondWithJSON(w, statusCode, models.ErrorResponseWithCode{
		Code:  string(code),
		Error: message,
	})
}

// RespondWithViolations sends every failed precondition in one response
func RespondWithViolations(w http.ResponseWriter, violations []models.Violation) {
	RespondWithJSON(w, http.StatusConflict, models.ErrorResponseWithCode{
		Code:       string(models.ErrorCodePrecondition),
		Error:      "merge preconditions failed",
		Violations: violations,
	})
}
