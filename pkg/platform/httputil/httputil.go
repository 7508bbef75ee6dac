// Package httputil writes JSON responses and maps domain errors onto HTTP.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "formgate/pkg/domain-errors"
)

func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encoding failure cannot change the status.
	_ = json.NewEncoder(w).Encode(response)
}

// ErrorResponse is the JSON body for every non-2xx response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type mapping struct {
	status int
	name   string
}

var codes = map[dErrors.Code]mapping{
	dErrors.CodeNotFound:           {http.StatusNotFound, "not_found"},
	dErrors.CodeBadRequest:         {http.StatusBadRequest, "bad_request"},
	dErrors.CodeInvalidInput:       {http.StatusBadRequest, "bad_request"},
	dErrors.CodeValidation:         {http.StatusBadRequest, "validation_error"},
	dErrors.CodeInvariantViolation: {http.StatusBadRequest, "validation_error"},
	dErrors.CodeConflict:           {http.StatusConflict, "conflict"},
	dErrors.CodeUnauthorized:       {http.StatusUnauthorized, "unauthorized"},
	dErrors.CodeForbidden:          {http.StatusForbidden, "forbidden"},
	dErrors.CodeTimeout:            {http.StatusGatewayTimeout, "timeout"},
	dErrors.CodeUnavailable:        {http.StatusServiceUnavailable, "service_unavailable"},
	dErrors.CodeNotConfigured:      {http.StatusNotImplemented, "not_configured"},
}

var internal = mapping{http.StatusInternalServerError, "internal_error"}

func lookup(code dErrors.Code) mapping {
	if m, ok := codes[code]; ok {
		return m
	}
	return internal
}

// StatusFor returns the HTTP status for a domain code. Unknown codes are 500.
func StatusFor(code dErrors.Code) int {
	return lookup(code).status
}

// WriteError renders err. Only the domain error's own message is echoed,
// never context added by fmt wrapping, and never for internal errors.
func WriteError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if !errors.As(err, &domainErr) {
		WriteJSON(w, internal.status, ErrorResponse{Error: internal.name})
		return
	}
	m := lookup(domainErr.Code)
	resp := ErrorResponse{Error: m.name}
	if m != internal {
		resp.Description = domainErr.Message
	}
	WriteJSON(w, m.status, resp)
}
