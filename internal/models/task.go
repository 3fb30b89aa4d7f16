package models

import (
	"encoding/json"
	"time"
)

// Status enumerates the lifecycle states of a task record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSuccess, StatusError:
		return true
	}
	return false
}

// Payload is the operation input carried by a task record.
type Payload struct {
	Name       string `json:"name,omitempty"`
	NewName    string `json:"newName,omitempty"`
	ProductID  string `json:"productId,omitempty"`
	CategoryID string `json:"categoryId,omitempty"`
	BrandID    string `json:"brandId,omitempty"`
	PurposeID  string `json:"purposeId,omitempty"`
	// ImageFile is a path on the submitting machine; ImageData wins when set.
	ImageFile string `json:"imageFile,omitempty"`
	ImageData []byte `json:"-"`
}

// TaskRecord is the unit of work tracked from submission to terminal outcome.
type TaskRecord struct {
	ID          string          `json:"id"`
	Type        Kind            `json:"type"`
	Entity      string          `json:"entity,omitempty"`
	Payload     Payload         `json:"payload"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// NewTaskRecord builds a queued record with type and entity set together.
func NewTaskRecord(id string, kind Kind, payload Payload, now time.Time) TaskRecord {
	return TaskRecord{
		ID:        id,
		Type:      kind,
		Entity:    kind.Entity(),
		Payload:   payload,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start moves a queued record to processing.
func (r *TaskRecord) Start(now time.Time) bool {
	if r.Status != StatusQueued {
		return false
	}
	r.Status = StatusProcessing
	r.UpdatedAt = laterOf(r.UpdatedAt, now)
	return true
}

// Finalize moves a non-terminal record into a terminal status. It returns
// false and leaves the record untouched when the record is already terminal.
func (r *TaskRecord) Finalize(status Status, result json.RawMessage, errMsg string, now time.Time) bool {
	if r.Status.Terminal() || !status.Terminal() {
		return false
	}
	r.Status = status
	r.Result = nil
	r.Error = ""
	if status == StatusSuccess {
		r.Result = result
	} else {
		r.Error = errMsg
	}
	r.UpdatedAt = laterOf(r.UpdatedAt, now)
	completed := r.UpdatedAt
	r.CompletedAt = &completed
	return true
}

func laterOf(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

// Stats groups records by status.
type Stats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Success    int `json:"success"`
	Error      int `json:"error"`
}

// CountStats projects a collection onto per-status counts.
func CountStats(records []TaskRecord) Stats {
	st := Stats{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case StatusQueued:
			st.Queued++
		case StatusProcessing:
			st.Processing++
		case StatusSuccess:
			st.Success++
		case StatusError:
			st.Error++
		}
	}
	return st
}
