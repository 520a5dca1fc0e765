package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// DecodeJSON decodes exactly one JSON object from the request body into dst.
// On failure it writes the error response and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil && dec.More() {
		err = errors.New("request body must contain a single JSON object")
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		WriteError(w, ErrorParams{Code: http.StatusRequestEntityTooLarge, ErrCode: "body_too_large", Err: err})
	case errors.Is(err, io.EOF):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: errors.New("request body is empty")})
	default:
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
	}
	return false
}

// WriteJSON encodes v before writing headers so an encoding failure still
// yields a clean 500.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w) //nolint:errcheck // client went away
}

// ErrorParams describes a JSON error response.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError writes {"error": ErrCode, "message": Err}.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	msg := http.StatusText(p.Code)
	if p.Err != nil {
		msg = p.Err.Error()
	}
	WriteJSON(w, p.Code, map[string]string{"error": p.ErrCode, "message": msg})
}
