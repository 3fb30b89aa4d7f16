package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresRepository stores the catalog in the tables created by the
// store migrations.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreateEntity(ctx context.Context, kind Kind, name string) (Entity, error) {
	if err := checkKind(kind); err != nil {
		return Entity{}, err
	}
	var e Entity
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE name = $1 OR id = $2)`, kind.table())
		if err := tx.QueryRow(ctx, q, name, Slug(name)).Scan(&exists); err != nil {
			return fmt.Errorf("check %s name: %w", kind, err)
		}
		if exists {
			return nameConflict(kind)
		}
		ins := fmt.Sprintf(`INSERT INTO %s (id, name) VALUES ($1, $2) RETURNING id, name, created_at`, kind.table())
		if err := tx.QueryRow(ctx, ins, Slug(name), name).Scan(&e.ID, &e.Name, &e.CreatedAt); err != nil {
			if isPgCode(err, pgUniqueViolation) {
				return nameConflict(kind)
			}
			return fmt.Errorf("insert %s: %w", kind, err)
		}
		return nil
	})
	if err != nil {
		return Entity{}, err
	}
	return e, nil
}

func (r *PostgresRepository) ListEntities(ctx context.Context, kind Kind) ([]Entity, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT id, name, created_at FROM %s ORDER BY name ASC`, kind.table()))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()
	out := []Entity{}
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateProduct(ctx context.Context, np NewProduct) (Product, error) {
	var p Product
	id := Slug(np.Name)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE name = $1 OR id = $2)`, np.Name, id).Scan(&exists); err != nil {
			return fmt.Errorf("check product name: %w", err)
		}
		if exists {
			return &ConflictError{Message: "Product name or slug already exists."}
		}
		var categoryID, brandID, purposeID *string
		err := tx.QueryRow(ctx, `
			INSERT INTO products (id, name, category_id, brand_id, purpose_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, name, category_id, brand_id, purpose_id, created_at, updated_at
		`, id, np.Name, nullable(np.CategoryID), nullable(np.BrandID), nullable(np.PurposeID)).
			Scan(&p.ID, &p.Name, &categoryID, &brandID, &purposeID, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return mapWriteErr(err, "Product name or slug already exists.", "insert product")
		}
		p.CategoryID, p.BrandID, p.PurposeID = deref(categoryID), deref(brandID), deref(purposeID)

		img := np.Image
		img.ProductID = p.ID
		if _, err := tx.Exec(ctx, `INSERT INTO product_images (product_id, url, public_id) VALUES ($1, $2, $3)`,
			img.ProductID, img.URL, img.PublicID); err != nil {
			return fmt.Errorf("insert product image: %w", err)
		}
		p.Images = []Image{img}
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

// RenameProduct inserts the product under its new slug, moves the images over
// and deletes the old row, all in one transaction.
func (r *PostgresRepository) RenameProduct(ctx context.Context, id, newName string) (Product, error) {
	var p Product
	newID := Slug(newName)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		old, err := scanProduct(tx.QueryRow(ctx, `
			SELECT id, name, category_id, brand_id, purpose_id, created_at, updated_at
			FROM products WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: product %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load product: %w", err)
		}
		if old.Name == newName {
			old.Images, err = loadImages(ctx, tx, old.ID)
			p = old
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id <> $3 AND (name = $1 OR id = $2))`,
			newName, newID, id).Scan(&exists); err != nil {
			return fmt.Errorf("check product name: %w", err)
		}
		if exists {
			return &ConflictError{Message: "New product name or slug already exists."}
		}

		if newID == id {
			p, err = scanProduct(tx.QueryRow(ctx, `
				UPDATE products SET name = $1, updated_at = NOW() WHERE id = $2
				RETURNING id, name, category_id, brand_id, purpose_id, created_at, updated_at`, newName, id))
			if err != nil {
				return mapWriteErr(err, "New product name or slug already exists.", "rename product")
			}
			p.Images, err = loadImages(ctx, tx, id)
			return err
		}
		p, err = scanProduct(tx.QueryRow(ctx, `
			INSERT INTO products (id, name, category_id, brand_id, purpose_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING id, name, category_id, brand_id, purpose_id, created_at, updated_at
		`, newID, newName, nullable(old.CategoryID), nullable(old.BrandID), nullable(old.PurposeID), old.CreatedAt))
		if err != nil {
			return mapWriteErr(err, "New product name or slug already exists.", "insert renamed product")
		}
		if _, err := tx.Exec(ctx, `UPDATE product_images SET product_id = $1 WHERE product_id = $2`, newID, id); err != nil {
			return fmt.Errorf("relink product images: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete old product: %w", err)
		}
		p.Images, err = loadImages(ctx, tx, newID)
		return err
	})
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (r *PostgresRepository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, category_id, brand_id, purpose_id, created_at, updated_at
		FROM products ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		imgs, err := loadImages(ctx, r.pool, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Images = imgs
	}
	return out, nil
}

func (r *PostgresRepository) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM products),
		       (SELECT COUNT(*) FROM brands),
		       (SELECT COUNT(*) FROM categories),
		       (SELECT COUNT(*) FROM purposes)`).
		Scan(&c.ProductCount, &c.BrandCount, &c.CategoryCount, &c.PurposeCount)
	if err != nil {
		return Counts{}, fmt.Errorf("count catalog: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadImages(ctx context.Context, q querier, productID string) ([]Image, error) {
	rows, err := q.Query(ctx, `SELECT url, public_id, product_id FROM product_images WHERE product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return nil, fmt.Errorf("load product images: %w", err)
	}
	defer rows.Close()
	imgs := []Image{}
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.URL, &img.PublicID, &img.ProductID); err != nil {
			return nil, fmt.Errorf("scan product image: %w", err)
		}
		imgs = append(imgs, img)
	}
	return imgs, rows.Err()
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	var categoryID, brandID, purposeID *string
	if err := row.Scan(&p.ID, &p.Name, &categoryID, &brandID, &purposeID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Product{}, err
	}
	p.CategoryID, p.BrandID, p.PurposeID = deref(categoryID), deref(brandID), deref(purposeID)
	return p, nil
}

func mapWriteErr(err error, conflictMsg, op string) error {
	switch {
	case isPgCode(err, pgUniqueViolation):
		return &ConflictError{Message: conflictMsg}
	case isPgCode(err, pgForeignKeyViolation):
		return fmt.Errorf("%w: %v", ErrBadReference, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
