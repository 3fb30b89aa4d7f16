package executor

import (
	"fmt"
	"strings"

	"catalog-task-pipeline/internal/models"
)

type validator func(p models.Payload) error

var validators = map[models.Kind]validator{
	models.KindCreateBrand:       requireName,
	models.KindCreateCategory:    requireName,
	models.KindCreatePurpose:     requireName,
	models.KindCreateProduct:     validateProduct,
	models.KindUpdateProductName: validateRename,
}

// Validate checks payload against the fields kind requires. Failures wrap
// ErrValidation.
func Validate(kind models.Kind, p models.Payload) error {
	v, ok := validators[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return v(p)
}

func requireName(p models.Payload) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	return nil
}

func validateProduct(p models.Payload) error {
	if err := requireName(p); err != nil {
		return err
	}
	if len(p.ImageData) == 0 && strings.TrimSpace(p.ImageFile) == "" {
		return fmt.Errorf("%w: image is required", ErrValidation)
	}
	return nil
}

func validateRename(p models.Payload) error {
	if strings.TrimSpace(p.ProductID) == "" {
		return fmt.Errorf("%w: productId is required", ErrValidation)
	}
	if strings.TrimSpace(p.NewName) == "" {
		return fmt.Errorf("%w: newName is required", ErrValidation)
	}
	return nil
}
