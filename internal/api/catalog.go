package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"catalog-task-pipeline/internal/catalog"
	"catalog-task-pipeline/internal/models"
	"catalog-task-pipeline/internal/store"
	"catalog-task-pipeline/internal/telemetry"
)

const databaseErrorMsg = "Database error"

type entityRequest struct {
	Name   string `json:"name"`
	TaskID string `json:"taskId"`
}

type renameRequest struct {
	NewName string `json:"newName"`
	TaskID  string `json:"taskId"`
}

func (s *Server) handleCreateEntity(kind catalog.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" || req.TaskID == "" {
			writeError(w, http.StatusBadRequest, "Missing name or taskId")
			return
		}
		if catalog.Slug(name) == "" {
			writeError(w, http.StatusBadRequest, "Name must contain letters or digits")
			return
		}

		ctx := r.Context()
		s.push.Notify(ctx, req.TaskID, models.StatusProcessing, "", nil)
		entity, err := s.catalog.CreateEntity(ctx, kind, name)
		if err != nil {
			s.failTask(w, r, req.TaskID, string(kind), err)
			return
		}
		s.completeTask(ctx, req.TaskID, string(kind), entity)
		writeJSON(w, http.StatusCreated, entity)
	}
}

func (s *Server) handleListEntities(kind catalog.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entities, err := s.catalog.ListEntities(r.Context(), kind)
		if err != nil {
			s.log.WithError(err).WithField("entity", kind).Error("list catalog entities")
			writeError(w, http.StatusInternalServerError, "Failed to fetch "+string(kind)+" list.")
			return
		}
		writeJSON(w, http.StatusOK, entities)
	}
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.ImageMaxBytes + 1<<20); err != nil {
		writeError(w, http.StatusBadRequest, "Missing name, taskId, or image")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	taskID := r.FormValue("taskId")
	file, header, err := r.FormFile("image")
	if name == "" || taskID == "" || err != nil {
		writeError(w, http.StatusBadRequest, "Missing name, taskId, or image")
		return
	}
	defer file.Close()
	if catalog.Slug(name) == "" {
		writeError(w, http.StatusBadRequest, "Name must contain letters or digits")
		return
	}

	ctx := r.Context()
	s.push.Notify(ctx, taskID, models.StatusProcessing, "", nil)
	img, err := s.images.Ingest(ctx, header.Filename, file)
	if err != nil {
		s.failTask(w, r, taskID, "product", err)
		return
	}
	product, err := s.catalog.CreateProduct(ctx, catalog.NewProduct{
		Name:       name,
		CategoryID: r.FormValue("categoryId"),
		BrandID:    r.FormValue("brandId"),
		PurposeID:  r.FormValue("purposeId"),
		Image:      img,
	})
	if err != nil {
		s.failTask(w, r, taskID, "product", err)
		return
	}
	s.completeTask(ctx, taskID, "product", product)
	writeJSON(w, http.StatusCreated, product)
}

func (s *Server) handleRenameProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	newName := strings.TrimSpace(req.NewName)
	if newName == "" || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "Missing newName or taskId")
		return
	}
	if catalog.Slug(newName) == "" {
		writeError(w, http.StatusBadRequest, "Name must contain letters or digits")
		return
	}

	ctx := r.Context()
	s.push.Notify(ctx, req.TaskID, models.StatusProcessing, "", nil)
	product, err := s.catalog.RenameProduct(ctx, id, newName)
	if err != nil {
		s.failTask(w, r, req.TaskID, "product", err)
		return
	}
	s.completeTask(ctx, req.TaskID, "product", product)
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.catalog.ListProducts(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list products")
		writeError(w, http.StatusInternalServerError, "Failed to fetch products.")
		return
	}
	writeJSON(w, http.StatusOK, products)
}

// completeTask records the success on the stored task record and announces it.
func (s *Server) completeTask(ctx context.Context, taskID, entity string, data any) {
	telemetry.CatalogMutations.WithLabelValues(entity, "success").Inc()
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Error("encode task result")
	}
	success := models.StatusSuccess
	s.patchTask(ctx, taskID, store.Patch{Status: &success, Result: raw})
	s.push.Notify(ctx, taskID, models.StatusSuccess, "", json.RawMessage(raw))
}

// failTask maps a domain failure onto a response, the stored task record and
// an error push.
func (s *Server) failTask(w http.ResponseWriter, r *http.Request, taskID, entity string, err error) {
	code, msg := classify(err)
	log := s.log.WithFields(logrus.Fields{"task_id": taskID, "entity": entity})
	if code == http.StatusInternalServerError {
		log.WithError(err).Error("catalog mutation failed")
	} else {
		log.WithField("reason", msg).Info("catalog mutation rejected")
	}
	telemetry.CatalogMutations.WithLabelValues(entity, "error").Inc()

	ctx := r.Context()
	failed := models.StatusError
	s.patchTask(ctx, taskID, store.Patch{Status: &failed, Error: &msg})
	s.push.Notify(ctx, taskID, models.StatusError, msg, nil)
	writeError(w, code, msg)
}

func (s *Server) patchTask(ctx context.Context, taskID string, p store.Patch) {
	if _, err := s.store.Patch(ctx, taskID, p); err != nil {
		entry := s.log.WithError(err).WithField("task_id", taskID)
		if errors.Is(err, store.ErrNotFound) {
			entry.Debug("task record not stored yet")
			return
		}
		entry.Warn("update task record")
		return
	}
	telemetry.TaskRecordsPatched.Inc()
}

func classify(err error) (int, string) {
	var conflict *catalog.ConflictError
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict, conflict.Message
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, "Product not found."
	case errors.Is(err, catalog.ErrBadReference):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, catalog.ErrImageTooLarge), errors.Is(err, catalog.ErrBadImage):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, databaseErrorMsg
}
