package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"catalog-task-pipeline/internal/models"
)

const networkErrorMsg = "network error"

// Dispatcher sends one task record to the domain API. A nil error means the
// request was accepted; the outcome arrives later as a push update.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec models.TaskRecord) error
}

type DispatcherFunc func(ctx context.Context, rec models.TaskRecord) error

func (f DispatcherFunc) Dispatch(ctx context.Context, rec models.TaskRecord) error {
	return f(ctx, rec)
}

// DispatchError is a failed domain call. Message is the server's error text,
// or "network error" when no response arrived.
type DispatchError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func failureMessage(err error) string {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

// CatalogClient calls the catalog endpoints on behalf of the executor.
type CatalogClient struct {
	baseURL string
	http    *http.Client
}

func NewCatalogClient(baseURL string, httpClient *http.Client) *CatalogClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &CatalogClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Dispatchers returns the dispatch table covering every known kind.
func (c *CatalogClient) Dispatchers() map[models.Kind]Dispatcher {
	return map[models.Kind]Dispatcher{
		models.KindCreateBrand:       c.createNamed("/brands"),
		models.KindCreateCategory:    c.createNamed("/categories"),
		models.KindCreatePurpose:     c.createNamed("/purposes"),
		models.KindCreateProduct:     DispatcherFunc(c.createProduct),
		models.KindUpdateProductName: DispatcherFunc(c.renameProduct),
	}
}

type namedRequest struct {
	Name   string `json:"name"`
	TaskID string `json:"taskId"`
}

type renameRequest struct {
	NewName string `json:"newName"`
	TaskID  string `json:"taskId"`
}

func (c *CatalogClient) createNamed(path string) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, rec models.TaskRecord) error {
		return c.sendJSON(ctx, http.MethodPost, path, namedRequest{Name: rec.Payload.Name, TaskID: rec.ID})
	})
}

func (c *CatalogClient) renameProduct(ctx context.Context, rec models.TaskRecord) error {
	path := "/products/" + url.PathEscape(rec.Payload.ProductID) + "/name"
	return c.sendJSON(ctx, http.MethodPut, path, renameRequest{NewName: rec.Payload.NewName, TaskID: rec.ID})
}

func (c *CatalogClient) createProduct(ctx context.Context, rec models.TaskRecord) error {
	image, filename, err := loadImage(rec.Payload)
	if err != nil {
		return err
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fields := [][2]string{
		{"name", rec.Payload.Name},
		{"taskId", rec.ID},
		{"categoryId", rec.Payload.CategoryID},
		{"brandId", rec.Payload.BrandID},
		{"purposeId", rec.Payload.PurposeID},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return fmt.Errorf("write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/products", body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func loadImage(p models.Payload) ([]byte, string, error) {
	filename := "image"
	if p.ImageFile != "" {
		filename = filepath.Base(p.ImageFile)
	}
	if len(p.ImageData) > 0 {
		return p.ImageData, filename, nil
	}
	data, err := os.ReadFile(p.ImageFile)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	return data, filename, nil
}

func (c *CatalogClient) sendJSON(ctx context.Context, method, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *CatalogClient) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &DispatchError{Message: networkErrorMsg, Err: err}
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

type errorBody struct {
	Error string `json:"error"`
}

// checkResponse turns a non-2xx response into a *DispatchError carrying the
// body's error field.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg := http.StatusText(resp.StatusCode)
	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&eb); err == nil && eb.Error != "" {
		msg = eb.Error
	}
	return &DispatchError{StatusCode: resp.StatusCode, Message: msg}
}
