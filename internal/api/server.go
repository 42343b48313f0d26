package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskpanel/internal/panel"
	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	logx "taskpanel/pkg/logx"
)

// Panel is the task service the handlers drive.
type Panel interface {
	Create(ctx context.Context, in storage.NewTask) (task.Task, error)
	Update(ctx context.Context, p storage.TaskPatch) (task.Task, error)
	Remove(ctx context.Context, ids []int64) error
	Run(ctx context.Context, ids []int64) error
	Stop(ctx context.Context, ids []int64) error
	Enable(ctx context.Context, ids []int64) error
	Disable(ctx context.Context, ids []int64) error
	Pin(ctx context.Context, ids []int64) error
	Unpin(ctx context.Context, ids []int64) error
	AddLabels(ctx context.Context, ids []int64, labels []string) error
	RemoveLabels(ctx context.Context, ids []int64, labels []string) error
	Get(ctx context.Context, id int64) (task.Task, error)
	List(ctx context.Context, opt storage.ListOptions) (storage.ListResult, error)
	Log(ctx context.Context, id int64) (string, error)
	Logs(ctx context.Context, id int64) ([]panel.LogEntry, error)
	LogFile(ctx context.Context, id int64, name string) (string, error)
	ImportCrontab(ctx context.Context, text string) (panel.ImportResult, error)
	Views(ctx context.Context) ([]storage.View, error)
	CreateView(ctx context.Context, v storage.View) (storage.View, error)
	DeleteView(ctx context.Context, id int64) error
	HealthCheck(ctx context.Context) panel.Health
}

// Server serves the task API under /api.
type Server struct {
	svc    Panel
	log    logx.Logger
	router chi.Router
}

func NewServer(svc Panel, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{svc: svc, log: log, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/crons", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Put("/", s.handleUpdate)
			r.Delete("/", s.handleBulk(s.svc.Remove))

			r.Put("/run", s.handleBulk(s.svc.Run))
			r.Put("/stop", s.handleBulk(s.svc.Stop))
			r.Put("/enable", s.handleBulk(s.svc.Enable))
			r.Put("/disable", s.handleBulk(s.svc.Disable))
			r.Put("/pin", s.handleBulk(s.svc.Pin))
			r.Put("/unpin", s.handleBulk(s.svc.Unpin))

			r.Post("/labels", s.handleLabels(s.svc.AddLabels))
			r.Delete("/labels", s.handleLabels(s.svc.RemoveLabels))
			r.Post("/import", s.handleImport)

			r.Get("/views", s.handleViews)
			r.Post("/views", s.handleCreateView)
			r.Delete("/views/{id}", s.handleDeleteView)

			r.Get("/{id}", s.handleGet)
			r.Get("/{id}/log", s.handleLog)
			r.Get("/{id}/logs", s.handleLogs)
			r.Get("/{id}/logs/{name}", s.handleLogFile)
		})
	})
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http.request", fields...)
			return
		}
		s.log.Debug("http.request", fields...)
	})
}
