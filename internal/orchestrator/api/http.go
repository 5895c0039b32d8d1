// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api implements the HTTP ingress: webhook submission, worker
// event callbacks, status reads, health, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"buildorchestrator/internal/orchestrator/store"
	"buildorchestrator/pkg/orchestrator"
)

// jsonErrorBody is the stable error envelope returned by every endpoint.
type jsonErrorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, details ...string) {
	writeJSON(w, status, jsonErrorBody{Error: code, Details: details})
}

// translateError maps the orchestrator error taxonomy and the store's
// ErrNotFound sentinel onto the response shape §7 requires. Callers that
// already know the status (e.g. a validation failure with field-level
// detail) write their own response instead of calling this.
func translateError(w http.ResponseWriter, err error) {
	var (
		verr *orchestrator.ValidationError
		aerr *orchestrator.AuthError
		nerr *orchestrator.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_request", verr.Error())
	case errors.As(err, &aerr):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.As(err, &nerr):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}
