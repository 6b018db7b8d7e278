// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// Common errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
	ErrNotFound       = errors.New("not found")
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	Status        int    `json:"status"`
	CorrelationID string `json:"correlationId,omitempty"`
	Diagnostic    string `json:"diagnostic,omitempty"`
}

// mapErrorToStatusCode maps the error taxonomy to HTTP status codes.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, types.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrTokenArtifactMissing),
		errors.Is(err, types.ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrCandidateExhausted):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		if types.KindOf(err) == "timeout" {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return types.KindOf(err)
}

// handleError maps err to a status code and writes the error response.
// The operator diagnostic is included only for ?verbose=1.
func (h *HandlerContext) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToStatusCode(err)
	resp := ErrorResponse{
		Error:         err.Error(),
		Code:          errorCode(err),
		Status:        status,
		CorrelationID: w.Header().Get(correlationHeader),
	}
	if status == http.StatusInternalServerError && resp.Code == "internal" {
		h.log(r).Error(err, "path", r.URL.Path)
		resp.Error = ErrInternalError.Error()
	}
	if verbose(r) {
		resp.Diagnostic = types.DiagnosticText(err)
	}
	writeJSON(w, resp, status)
}

// writeErrorWithMessage writes an error response with a custom message.
func writeErrorWithMessage(w http.ResponseWriter, err error, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:  message,
		Code:   errorCode(err),
		Status: statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

func verbose(r *http.Request) bool {
	switch r.URL.Query().Get("verbose") {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
