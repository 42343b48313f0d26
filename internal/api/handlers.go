package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"taskpanel/internal/storage"
)

type labelsRequest struct {
	IDs    []int64  `json:"ids"`
	Labels []string `json:"labels"`
}

type importRequest struct {
	Text string `json:"text"`
}

type logResponse struct {
	Content string `json:"content"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.svc.HealthCheck(r.Context()))
}

// handleList serves GET /api/crons. filters and sorts are JSON arrays in
// the query string.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opt, err := listOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.List(r.Context(), opt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, res)
}

func listOptions(r *http.Request) (storage.ListOptions, error) {
	q := r.URL.Query()
	opt := storage.ListOptions{
		SearchValue:    q.Get("searchValue"),
		FilterRelation: q.Get("filterRelation"),
	}
	var err error
	if opt.Page, err = intParam(q.Get("page")); err != nil {
		return opt, err
	}
	if opt.Size, err = intParam(q.Get("size")); err != nil {
		return opt, err
	}
	if v := q.Get("viewId"); v != "" {
		if opt.ViewID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return opt, badRequest{msg: fmt.Sprintf("invalid viewId %q", v)}
		}
	}
	if v := q.Get("filters"); v != "" {
		if err := json.Unmarshal([]byte(v), &opt.Filters); err != nil {
			return opt, badRequest{msg: fmt.Sprintf("invalid filters: %v", err)}
		}
	}
	if v := q.Get("sorts"); v != "" {
		if err := json.Unmarshal([]byte(v), &opt.Sorts); err != nil {
			return opt, badRequest{msg: fmt.Sprintf("invalid sorts: %v", err)}
		}
	}
	return opt, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest{msg: fmt.Sprintf("invalid number %q", v)}
	}
	return n, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in storage.NewTask
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.svc.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, t)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p storage.TaskPatch
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.svc.Update(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, t)
}

// handleBulk serves the endpoints whose body is a JSON array of ids.
func (s *Server) handleBulk(op func(context.Context, []int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ids []int64
		if err := decode(r, &ids); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := op(r.Context(), ids); err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, nil)
	}
}

func (s *Server) handleLabels(op func(context.Context, []int64, []string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req labelsRequest
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := op(r.Context(), req.IDs, req.Labels); err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, nil)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	res, err := s.svc.ImportCrontab(r.Context(), req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, res)
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.Views(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, views)
}

func (s *Server) handleCreateView(w http.ResponseWriter, r *http.Request) {
	var v storage.View
	if err := decode(r, &v); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.svc.CreateView(r.Context(), v)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, out)
}

func (s *Server) handleDeleteView(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.DeleteView(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, nil)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, t)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	text, err := s.svc.Log(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, logResponse{Content: text})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logs, err := s.svc.Logs(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, logs)
}

func (s *Server) handleLogFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	text, err := s.svc.LogFile(r.Context(), id, chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, logResponse{Content: text})
}
