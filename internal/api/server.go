package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"catalog-task-pipeline/internal/catalog"
	"catalog-task-pipeline/internal/config"
	"catalog-task-pipeline/internal/models"
	"catalog-task-pipeline/internal/push"
	"catalog-task-pipeline/internal/ratelimit"
	"catalog-task-pipeline/internal/store"
	"catalog-task-pipeline/internal/telemetry"
)

// Deps are the collaborators the HTTP surface is built from. Limiter may be nil.
type Deps struct {
	Store   *store.Store
	Catalog catalog.Repository
	Images  *catalog.ImageIngestor
	Push    *push.Broadcaster
	Limiter *ratelimit.TokenBucket
	Log     logrus.FieldLogger
}

// Server wires HTTP handlers for the task store, the catalog and the push endpoint.
type Server struct {
	cfg     config.Config
	store   *store.Store
	catalog catalog.Repository
	images  *catalog.ImageIngestor
	push    *push.Broadcaster
	limiter *ratelimit.TokenBucket
	log     logrus.FieldLogger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		store:   deps.Store,
		catalog: deps.Catalog,
		images:  deps.Images,
		push:    deps.Push,
		limiter: deps.Limiter,
		log:     deps.Log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Handle("/ws", push.NewHandler(s.push, s.cfg.PushHealthInterval))
	if s.cfg.ImageS3Bucket == "" && s.cfg.ImageOutputDir != "" {
		r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.Dir(s.cfg.ImageOutputDir))))
	}

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Get("/stats", s.handleTaskStats)
		r.Delete("/completed", s.handleClearCompleted)
		r.Patch("/{id}", s.handlePatchTask)
	})

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(s.log))
		}
		r.Post("/brands", s.handleCreateEntity(catalog.KindBrand))
		r.Post("/categories", s.handleCreateEntity(catalog.KindCategory))
		r.Post("/purposes", s.handleCreateEntity(catalog.KindPurpose))
		r.Post("/products", s.handleCreateProduct)
		r.Put("/products/{id}/name", s.handleRenameProduct)
	})
	r.Get("/brands", s.handleListEntities(catalog.KindBrand))
	r.Get("/categories", s.handleListEntities(catalog.KindCategory))
	r.Get("/purposes", s.handleListEntities(catalog.KindPurpose))
	r.Get("/products", s.handleListProducts)

	r.Get("/activities/recent", s.handleRecentActivities)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleCatalogStats)
	return r
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list task records")
		writeError(w, http.StatusInternalServerError, "Failed to read tasks")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var rec models.TaskRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	created, err := s.store.Create(r.Context(), rec)
	switch {
	case errors.Is(err, store.ErrDuplicateID):
		writeError(w, http.StatusConflict, "Task already exists")
		return
	case errors.Is(err, store.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrOutsideRetention):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.log.WithError(err).Error("create task record")
		writeError(w, http.StatusInternalServerError, "Failed to create task")
		return
	}
	telemetry.TaskRecordsCreated.Inc()
	s.log.WithFields(logrus.Fields{"task_id": created.ID, "type": created.Type}).Debug("task record stored")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p store.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	updated, err := s.store.Patch(r.Context(), id, p)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
		return
	case errors.Is(err, store.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.WithError(err).WithField("task_id", id).Error("patch task record")
		writeError(w, http.StatusInternalServerError, "Failed to update task")
		return
	}
	telemetry.TaskRecordsPatched.Inc()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.WithError(err).Error("task stats")
		writeError(w, http.StatusInternalServerError, "Failed to get task statistics")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type clearResponse struct {
	Message   string `json:"message"`
	Remaining int    `json:"remaining"`
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	remaining, err := s.store.ClearCompleted(r.Context())
	if err != nil {
		s.log.WithError(err).Error("clear completed task records")
		writeError(w, http.StatusInternalServerError, "Failed to clear completed tasks")
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Message: "Completed tasks cleared", Remaining: remaining})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
