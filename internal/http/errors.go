package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	apperrors "github.com/target/postcron/internal/errors"
)

// DetermineErrorStatus maps a service error to an HTTP status code.
func DetermineErrorStatus(err error) int {
	if errors.Is(err, core.ErrLockHeld) {
		return http.StatusConflict
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict, apperrors.ErrCodeForeignKey:
		return http.StatusConflict
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err as JSON. Server errors are logged and their
// detail is withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := DetermineErrorStatus(err)
	code := string(apperrors.GetCode(err))
	switch {
	case status == http.StatusConflict && errors.Is(err, core.ErrLockHeld):
		code = "already_running"
	case status == http.StatusRequestEntityTooLarge:
		code = "body_too_large"
	case code == "":
		code = "internal"
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		err = errors.New(http.StatusText(status))
	}

	if fields := fieldErrors(err); len(fields) > 0 {
		WriteJSON(w, status, map[string]any{
			"error":   code,
			"message": err.Error(),
			"fields":  fields,
		})
		return
	}
	WriteError(w, ErrorParams{Code: status, ErrCode: code, Err: err})
}

func fieldErrors(err error) map[string]string {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Field != "" {
		return map[string]string{appErr.Field: appErr.Message}
	}
	return nil
}
