package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/storage"
)

// errBadRequest wraps validation failures so render can pick 400.
type errBadRequest struct{ msg string }

func (e errBadRequest) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return errBadRequest{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps typed errors to protocol status codes. Authentication
// failures are always the same generic body.
func writeError(w http.ResponseWriter, err error) {
	var br errBadRequest

	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credential"})
	case errors.As(err, &br):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": br.msg})
	case storage.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case storage.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case storage.IsBusy(err):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy, retry"})
	case errors.Is(err, storage.ErrInvariant):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func writeAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
