package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(rec, httptest.NewRequest(method, "/healthz", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if method == http.MethodHead {
				assert.Zero(t, rec.Body.Len())
				return
			}
			assert.JSONEq(t, `{"status":"ok","service":"postcron"}`, rec.Body.String())
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Content string `json:"content"`
	}
	tests := []struct {
		name     string
		body     string
		wantOK   bool
		wantCode string
	}{
		{name: "valid", body: `{"content":"hi"}`, wantOK: true},
		{name: "empty", body: ``, wantCode: "invalid_json"},
		{name: "unknown field", body: `{"content":"hi","extra":1}`, wantCode: "invalid_json"},
		{name: "two objects", body: `{"content":"a"}{"content":"b"}`, wantCode: "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			var dst payload
			ok := DecodeJSON(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)), &dst)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, "hi", dst.Content)
				return
			}
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantCode)
		})
	}
}
