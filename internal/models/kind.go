package models

// Kind tags the operation a task record performs.
type Kind string

const (
	KindCreateBrand       Kind = "create-brand"
	KindCreateCategory    Kind = "create-category"
	KindCreatePurpose     Kind = "create-purpose"
	KindCreateProduct     Kind = "create-product"
	KindUpdateProductName Kind = "update-product-name"
)

type kindInfo struct {
	action string
	entity string
}

var kinds = map[Kind]kindInfo{
	KindCreateBrand:       {action: "create", entity: "brand"},
	KindCreateCategory:    {action: "create", entity: "category"},
	KindCreatePurpose:     {action: "create", entity: "purpose"},
	KindCreateProduct:     {action: "create", entity: "product"},
	KindUpdateProductName: {action: "update", entity: "product"},
}

// Kinds lists every known operation kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindCreateBrand,
		KindCreateCategory,
		KindCreatePurpose,
		KindCreateProduct,
		KindUpdateProductName,
	}
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Entity is the display label for the record kind.
func (k Kind) Entity() string {
	return kinds[k].entity
}

func (k Kind) Action() string {
	return kinds[k].action
}
