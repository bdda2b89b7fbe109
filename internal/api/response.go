package api

import (
	"encoding/json"
	"net/http"

	"github.com/tanvir/chatbridge/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps the error taxonomy to HTTP statuses: bad input is
// 400, unknown ids are 404, everything else a generic 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case models.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
