package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/storage"
)

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"auth failure", auth.ErrInvalidCredential, http.StatusUnauthorized},
		{"bad request", badRequest("frequency %d out of range", 99), http.StatusBadRequest},
		{"not found", storage.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("lookup: %w", storage.ErrNotFound), http.StatusNotFound},
		{"conflict", storage.ErrConflict, http.StatusConflict},
		{"busy", storage.ErrBusy, http.StatusServiceUnavailable},
		{"invariant", storage.ErrInvariant, http.StatusUnprocessableEntity},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestWriteErrorBusySetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, storage.ErrBusy)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestWriteErrorNeverLeaksInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, fmt.Errorf("open /var/lib/challengectl/store.db: permission denied"))
	assert.NotContains(t, rec.Body.String(), "/var/lib")
	assert.Contains(t, rec.Body.String(), "internal error")
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var body struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	err := decodeJSON(req, &body)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"name":"x","bogus":true}`))
	err = decodeJSON(req, &body)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, decodeJSON(req, &body))
	assert.Equal(t, "x", body.Name)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"direct", "203.0.113.7:54321", nil, "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:1234",
			map[string]string{"X-Forwarded-For": "198.51.100.9, 10.0.0.1"}, "198.51.100.9"},
		{"real ip", "10.0.0.1:1234",
			map[string]string{"X-Real-IP": "198.51.100.4"}, "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}

func TestLogRing(t *testing.T) {
	ring := NewLogRing(3)
	assert.Empty(t, ring.Tail(10))

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ring.Append(LogEntry{
			Time:    base.Add(time.Duration(i) * time.Second),
			Level:   "info",
			Source:  "agent:tx-1",
			Message: "entry " + strconv.Itoa(i),
		})
	}

	// Capacity 3: the two oldest entries were overwritten.
	got := ring.Tail(10)
	require.Len(t, got, 3)
	assert.Equal(t, "entry 2", got[0].Message)
	assert.Equal(t, "entry 4", got[2].Message)

	// Tail trims from the old end.
	got = ring.Tail(2)
	require.Len(t, got, 2)
	assert.Equal(t, "entry 3", got[0].Message)
}
