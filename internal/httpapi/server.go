// Package httpapi is the local control surface: task CRUD, scheduler and
// worker lifecycle, quota administration, and the recent-history view. It
// binds to loopback by default and carries no auth.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"relaybot/internal/config"
	"relaybot/internal/model"
	"relaybot/internal/scheduler"
	"relaybot/internal/store"
	"relaybot/internal/worker"
	logx "relaybot/pkg/logx"
)

type Deps struct {
	Scheduler *scheduler.Scheduler
	Tasks     *store.TaskStore
	Quota     *store.QuotaGate
	History   *store.HistoryStore
	Workers   *worker.Manager

	// StartWorker builds and launches a worker from its wire shape; the app
	// layer owns the dependency wiring that conversion needs.
	StartWorker func(ctx context.Context, wc config.WorkerConfig) error

	Log logx.Logger
}

type Server struct {
	deps Deps
	log  logx.Logger
	srv  *http.Server

	// base is the lifetime context handed to Run; handlers that launch
	// long-lived work (scheduler, workers) tie it to this, not the request.
	base context.Context
}

func New(addr string, deps Deps) *Server {
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:8080"
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{deps: deps, log: log.With(logx.String("comp", "httpapi"))}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Get("/{id}", s.getTask)
			r.Delete("/{id}", s.deleteTask)
		})
		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/start", s.startScheduler)
			r.Post("/stop", s.stopScheduler)
			r.Get("/status", s.schedulerStatus)
		})
		r.Route("/workers", func(r chi.Router) {
			r.Post("/", s.startWorker)
			r.Delete("/", s.stopWorker)
			r.Get("/", s.listWorkers)
			r.Get("/status", s.workerStatus)
			r.Post("/pause", s.pauseWorker)
			r.Post("/resume", s.resumeWorker)
		})
		r.Route("/quota", func(r chi.Router) {
			r.Get("/", s.quotaInfo)
			r.Put("/level", s.setQuotaLevel)
		})
		r.Get("/history", s.recentHistory)
	})

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.base = ctx

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("api shutdown error", logx.Err(err))
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ---- tasks ----

type createTaskRequest struct {
	Recipient      string `json:"recipient"`
	SendTime       string `json:"sendTime"`
	MessageContent string `json:"messageContent"`
	RepeatType     string `json:"repeatType,omitempty"`
	RepeatDays     []int  `json:"repeatDays,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Recipient) == "" || strings.TrimSpace(req.SendTime) == "" ||
		strings.TrimSpace(req.MessageContent) == "" {
		writeError(w, http.StatusBadRequest, "recipient, sendTime and messageContent are required")
		return
	}
	if _, _, err := model.ParseSendTime(req.SendTime); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sendTime: "+err.Error())
		return
	}
	rt := model.RepeatType(req.RepeatType)
	if req.RepeatType == "" {
		rt = model.RepeatNone
	}
	if !model.ValidRepeatType(rt) {
		writeError(w, http.StatusBadRequest, "invalid repeatType")
		return
	}

	t := model.Task{
		ID:             uuid.NewString(),
		Recipient:      req.Recipient,
		SendTime:       req.SendTime,
		MessageContent: req.MessageContent,
		Status:         model.TaskPending,
		RepeatType:     rt,
		RepeatDays:     req.RepeatDays,
	}
	created, err := s.deps.Tasks.Add(t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A stopped scheduler would never notice the new task; kick it here.
	s.deps.Scheduler.Start(s.lifetime())

	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tasks.Load())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.deps.Tasks.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Tasks.Delete(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ---- scheduler ----

func (s *Server) startScheduler(w http.ResponseWriter, _ *http.Request) {
	started := s.deps.Scheduler.Start(s.lifetime())
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

func (s *Server) stopScheduler(w http.ResponseWriter, _ *http.Request) {
	stopped := s.deps.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.StatusInfo())
}

// ---- workers ----

func (s *Server) startWorker(w http.ResponseWriter, r *http.Request) {
	var wc config.WorkerConfig
	if err := json.NewDecoder(r.Body).Decode(&wc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(wc.Contacts) == "" {
		writeError(w, http.StatusBadRequest, "contacts is required")
		return
	}
	if s.deps.StartWorker == nil {
		writeError(w, http.StatusServiceUnavailable, "worker startup not available")
		return
	}
	if err := s.deps.StartWorker(s.lifetime(), wc); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": worker.Key(wc.Contacts, wc.Model)})
}

func (s *Server) stopWorker(w http.ResponseWriter, r *http.Request) {
	contacts, mdl, ok := workerKeyParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "contacts query parameter is required")
		return
	}
	if !s.deps.Workers.StopWorker(contacts, mdl) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"workers": s.deps.Workers.ListWorkers()})
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	contacts, mdl, ok := workerKeyParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "contacts query parameter is required")
		return
	}
	st, found := s.deps.Workers.WorkerStatus(contacts, mdl)
	if !found {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) pauseWorker(w http.ResponseWriter, r *http.Request) {
	contacts, mdl, ok := workerKeyParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "contacts query parameter is required")
		return
	}
	if !s.deps.Workers.PauseWorker(contacts, mdl) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeWorker(w http.ResponseWriter, r *http.Request) {
	contacts, mdl, ok := workerKeyParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "contacts query parameter is required")
		return
	}
	if !s.deps.Workers.ResumeWorker(contacts, mdl) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

func workerKeyParams(r *http.Request) (contacts, mdl string, ok bool) {
	contacts = strings.TrimSpace(r.URL.Query().Get("contacts"))
	mdl = strings.TrimSpace(r.URL.Query().Get("model"))
	return contacts, mdl, contacts != ""
}

// ---- quota / history ----

type quotaResponse struct {
	model.Quota

	// Remaining is -1 for unlimited tiers.
	Remaining int `json:"remaining"`
}

func quotaView(q model.Quota) quotaResponse {
	resp := quotaResponse{Quota: q, Remaining: -1}
	if q.DailyLimit >= 0 {
		resp.Remaining = q.DailyLimit - q.UsedToday
		if resp.Remaining < 0 {
			resp.Remaining = 0
		}
	}
	return resp
}

func (s *Server) quotaInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, quotaView(s.deps.Quota.Info()))
}

type setLevelRequest struct {
	Level string `json:"level"`
}

func (s *Server) setQuotaLevel(w http.ResponseWriter, r *http.Request) {
	var req setLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Quota.SetLevel(model.AccountLevel(req.Level)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quotaView(s.deps.Quota.Info()))
}

func (s *Server) recentHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not available")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []model.MessageHistory{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---- helpers ----

func (s *Server) lifetime() context.Context {
	if s.base != nil {
		return s.base
	}
	return context.Background()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
