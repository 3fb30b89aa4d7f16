package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosimple/slug"
)

var (
	ErrConflict     = errors.New("catalog conflict")
	ErrNotFound     = errors.New("catalog entry not found")
	ErrBadReference = errors.New("unknown catalog reference")
)

// ConflictError reports a uniqueness violation. It matches ErrConflict.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Kind names one of the simple, name-only catalog entities.
type Kind string

const (
	KindBrand    Kind = "brand"
	KindCategory Kind = "category"
	KindPurpose  Kind = "purpose"
)

// Label is the capitalized entity name used in user-facing messages.
func (k Kind) Label() string {
	switch k {
	case KindBrand:
		return "Brand"
	case KindCategory:
		return "Category"
	case KindPurpose:
		return "Purpose"
	}
	return string(k)
}

func (k Kind) table() string {
	switch k {
	case KindBrand:
		return "brands"
	case KindCategory:
		return "categories"
	case KindPurpose:
		return "purposes"
	}
	return ""
}

func nameConflict(k Kind) error {
	return &ConflictError{Message: k.Label() + " name already exists."}
}

// Entity is a brand, category or purpose. ID is the slug of Name.
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Image struct {
	URL       string `json:"url"`
	PublicID  string `json:"publicId"`
	ProductID string `json:"productId"`
}

type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CategoryID string    `json:"categoryId,omitempty"`
	BrandID    string    `json:"brandId,omitempty"`
	PurposeID  string    `json:"purposeId,omitempty"`
	Images     []Image   `json:"images"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewProduct is the input of Repository.CreateProduct.
type NewProduct struct {
	Name       string
	CategoryID string
	BrandID    string
	PurposeID  string
	Image      Image
}

// Counts are the entity totals shown on the dashboard.
type Counts struct {
	ProductCount  int `json:"productCount"`
	BrandCount    int `json:"brandCount"`
	CategoryCount int `json:"categoryCount"`
	PurposeCount  int `json:"purposeCount"`
}

// Repository persists catalog entities. Every create or rename runs as a
// single transaction.
type Repository interface {
	CreateEntity(ctx context.Context, kind Kind, name string) (Entity, error)
	ListEntities(ctx context.Context, kind Kind) ([]Entity, error)
	CreateProduct(ctx context.Context, p NewProduct) (Product, error)
	RenameProduct(ctx context.Context, id, newName string) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	Counts(ctx context.Context) (Counts, error)
	Ping(ctx context.Context) error
}

// Slug derives an entity id from its name.
func Slug(name string) string {
	return slug.Make(name)
}

func checkKind(k Kind) error {
	if k.table() == "" {
		return fmt.Errorf("unknown catalog kind %q", k)
	}
	return nil
}
