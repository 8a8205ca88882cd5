// Maps service errors to API errors.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/LettoKarvat/RCAFORM/internal/collection"
	"github.com/LettoKarvat/RCAFORM/internal/server/dto"
	"github.com/LettoKarvat/RCAFORM/internal/storage/backend"
	"github.com/LettoKarvat/RCAFORM/internal/storage/versioned"
)

// ToAPIError converts an error returned by the collection service into a
// *dto.APIError. The original error stays reachable through Unwrap.
func ToAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *dto.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	var verr *collection.ValidationError
	var perr *versioned.PersistConflictError
	switch {
	case errors.As(err, &verr):
		e := dto.BadRequest(verr.Error())
		if verr.Field != "" {
			e = e.WithDetail("field", verr.Field)
		}
		return e.Wrap(err)
	case errors.Is(err, collection.ErrRecordNotFound):
		return dto.NotFound("record").Wrap(err)
	case errors.As(err, &perr):
		return dto.PersistConflict(perr.Attempts).Wrap(err)
	case errors.Is(err, backend.ErrUnavailable), errors.Is(err, backend.ErrMalformed), errors.Is(err, context.DeadlineExceeded):
		return dto.Unavailable().Wrap(err)
	}
	return dto.Internal("internal error").Wrap(err)
}

// writeErrorResponse writes err as a JSON error response.
// Use this in raw http.HandlerFunc handlers that don't use server.Wrap.
func writeErrorResponse(w http.ResponseWriter, err error) {
	var apiErr *dto.APIError
	if !errors.As(ToAPIError(err), &apiErr) {
		apiErr = dto.Internal("internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode())
	resp := dto.ErrorResponse{
		Error:   dto.ErrorDetails{Code: apiErr.Code(), Message: apiErr.Message()},
		Details: apiErr.Details(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "err", err)
	}
}
