package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps the catalog in process memory.
type MemoryRepository struct {
	mu       sync.Mutex
	entities map[Kind]map[string]Entity
	products map[string]Product
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entities: map[Kind]map[string]Entity{
			KindBrand:    {},
			KindCategory: {},
			KindPurpose:  {},
		},
		products: make(map[string]Product),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) CreateEntity(_ context.Context, kind Kind, name string) (Entity, error) {
	if err := checkKind(kind); err != nil {
		return Entity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := Slug(name)
	set := m.entities[kind]
	if _, ok := set[id]; ok {
		return Entity{}, nameConflict(kind)
	}
	for _, e := range set {
		if e.Name == name {
			return Entity{}, nameConflict(kind)
		}
	}
	e := Entity{ID: id, Name: name, CreatedAt: m.now()}
	set[id] = e
	return e, nil
}

func (m *MemoryRepository) ListEntities(_ context.Context, kind Kind) ([]Entity, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entity, 0, len(m.entities[kind]))
	for _, e := range m.entities[kind] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) CreateProduct(_ context.Context, np NewProduct) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRefs(np); err != nil {
		return Product{}, err
	}
	id := Slug(np.Name)
	if m.productTaken(np.Name, id) {
		return Product{}, &ConflictError{Message: "Product name or slug already exists."}
	}
	now := m.now()
	p := Product{
		ID:         id,
		Name:       np.Name,
		CategoryID: np.CategoryID,
		BrandID:    np.BrandID,
		PurposeID:  np.PurposeID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	img := np.Image
	img.ProductID = id
	p.Images = []Image{img}
	m.products[id] = p
	return p, nil
}

// RenameProduct recreates the product under the slug of newName, keeping its
// images and creation time, and removes the old one.
func (m *MemoryRepository) RenameProduct(_ context.Context, id, newName string) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	if old.Name == newName {
		return old, nil
	}
	newID := Slug(newName)
	for pid, p := range m.products {
		if pid == id {
			continue
		}
		if p.Name == newName || pid == newID {
			return Product{}, &ConflictError{Message: "New product name or slug already exists."}
		}
	}

	renamed := old
	renamed.ID = newID
	renamed.Name = newName
	renamed.UpdatedAt = m.now()
	renamed.Images = make([]Image, len(old.Images))
	for i, img := range old.Images {
		img.ProductID = newID
		renamed.Images[i] = img
	}
	delete(m.products, id)
	m.products[newID] = renamed
	return renamed, nil
}

func (m *MemoryRepository) ListProducts(context.Context) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) Counts(context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		ProductCount:  len(m.products),
		BrandCount:    len(m.entities[KindBrand]),
		CategoryCount: len(m.entities[KindCategory]),
		PurposeCount:  len(m.entities[KindPurpose]),
	}, nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) productTaken(name, id string) bool {
	if _, ok := m.products[id]; ok {
		return true
	}
	for _, p := range m.products {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) checkRefs(np NewProduct) error {
	refs := []struct {
		kind Kind
		id   string
	}{
		{KindCategory, np.CategoryID},
		{KindBrand, np.BrandID},
		{KindPurpose, np.PurposeID},
	}
	for _, r := range refs {
		if r.id == "" {
			continue
		}
		if _, ok := m.entities[r.kind][r.id]; !ok {
			return fmt.Errorf("%w: %s %q", ErrBadReference, r.kind, r.id)
		}
	}
	return nil
}
