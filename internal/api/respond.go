package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	logx "taskpanel/pkg/logx"
)

// envelope is the body of every response.
type envelope struct {
	Code    int    `json:"code"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: http.StatusOK, Data: data})
}

// fail maps err to a status: validation 400, missing record 404, else 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case task.IsValidation(err), isBadRequest(err):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.log.Error("http.handler_failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, envelope{Code: status, Message: err.Error()})
}

// badRequest is a malformed request that never reached the service.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func isBadRequest(err error) bool {
	var br badRequest
	return errors.As(err, &br)
}

func decode(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return badRequest{msg: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest{msg: fmt.Sprintf("invalid id %q", raw)}
	}
	return id, nil
}
