package masterdata

import (
	"strings"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// ValidateProduct checks product fields before persisting.
func ValidateProduct(p Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return shared.Invalid("name", "required")
	}
	if p.Unit != UnitMass && p.Unit != UnitCount {
		return shared.Invalid("unit", "must be kg or pcs")
	}
	if p.UnitCost.IsNegative() {
		return shared.Invalid("unit_cost", "must not be negative")
	}
	if p.ReorderPoint < 0 {
		return shared.Invalid("reorder_point", "must not be negative")
	}
	return nil
}

// ValidateStore checks store fields before persisting.
func ValidateStore(s Store) error {
	if strings.TrimSpace(s.Name) == "" {
		return shared.Invalid("name", "required")
	}
	if s.Role != StoreHub && s.Role != StoreSatellite {
		return shared.Invalid("role", "must be hub or satellite")
	}
	return nil
}
