package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"catalog-task-pipeline/internal/models"
)

// StoreClient talks to the server's /tasks endpoints.
type StoreClient struct {
	baseURL string
	http    *http.Client
}

func NewStoreClient(baseURL string, httpClient *http.Client) *StoreClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &StoreClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type statusPatch struct {
	Status      models.Status   `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

func (c *StoreClient) CreateRecord(ctx context.Context, rec models.TaskRecord) error {
	return c.call(ctx, http.MethodPost, "/tasks", rec, nil)
}

// UpdateRecord sends the record's status and outcome as a patch.
func (c *StoreClient) UpdateRecord(ctx context.Context, rec models.TaskRecord) error {
	p := statusPatch{Status: rec.Status, CompletedAt: rec.CompletedAt}
	switch rec.Status {
	case models.StatusSuccess:
		p.Result = rec.Result
	case models.StatusError:
		msg := rec.Error
		p.Error = &msg
	}
	return c.call(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(rec.ID), p, nil)
}

func (c *StoreClient) ListRecords(ctx context.Context) ([]models.TaskRecord, error) {
	var records []models.TaskRecord
	if err := c.call(ctx, http.MethodGet, "/tasks", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *StoreClient) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := c.call(ctx, http.MethodGet, "/tasks/stats", nil, &st)
	return st, err
}

// ClearCompleted removes terminal records on the server and returns how many remain.
func (c *StoreClient) ClearCompleted(ctx context.Context) (int, error) {
	var out struct {
		Remaining int `json:"remaining"`
	}
	err := c.call(ctx, http.MethodDelete, "/tasks/completed", nil, &out)
	return out.Remaining, err
}

func (c *StoreClient) call(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode >= 300 {
		if err := checkResponse(resp); err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
