package api

import (
	"fmt"
	"net/http"
	"time"

	"catalog-task-pipeline/internal/models"
)

const recentActivityLimit = 10

type activity struct {
	ID          string        `json:"id"`
	Action      string        `json:"action"`
	Entity      string        `json:"entity"`
	Status      models.Status `json:"status"`
	Description string        `json:"description"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

func toActivity(rec models.TaskRecord) activity {
	entity := rec.Entity
	if entity == "" {
		entity = rec.Type.Entity()
	}
	name := rec.Payload.Name
	if name == "" {
		name = rec.Payload.NewName
	}
	if name == "" {
		name = "Unknown"
	}
	return activity{
		ID:          rec.ID,
		Action:      rec.Type.Action(),
		Entity:      entity,
		Status:      rec.Status,
		Description: fmt.Sprintf("%s %s: %s", rec.Type.Action(), entity, name),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (s *Server) handleRecentActivities(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list recent activities")
		writeError(w, http.StatusInternalServerError, "Failed to fetch recent activities")
		return
	}
	if len(records) > recentActivityLimit {
		records = records[:recentActivityLimit]
	}
	out := make([]activity, 0, len(records))
	for _, rec := range records {
		out = append(out, toActivity(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Database     bool      `json:"database"`
	API          bool      `json:"api"`
	WebSocket    bool      `json:"websocket"`
	TasksStorage bool      `json:"tasksStorage"`
	Subscribers  int       `json:"subscribers"`
	LastChecked  time.Time `json:"lastChecked"`
}

// handleHealth always answers 200; each dependency reports its own flag.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{API: true, WebSocket: s.push != nil, LastChecked: time.Now().UTC()}
	if err := s.catalog.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("catalog health check failed")
	} else {
		resp.Database = true
	}
	if _, err := s.store.List(ctx); err != nil {
		s.log.WithError(err).Warn("task storage health check failed")
	} else {
		resp.TasksStorage = true
	}
	if s.push != nil {
		resp.Subscribers = s.push.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCatalogStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.catalog.Counts(r.Context())
	if err != nil {
		s.log.WithError(err).Error("count catalog")
		writeError(w, http.StatusInternalServerError, "Failed to fetch dashboard stats.")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
