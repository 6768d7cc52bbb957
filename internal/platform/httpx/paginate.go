package httpx

import (
	"net/http"
	"strconv"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

const maxPerPage = 200

// Paginate slices items by the page and per_page query parameters and
// reports the resulting shared.Pagination in X-* response headers.
func Paginate[T any](w http.ResponseWriter, r *http.Request, items []T) ([]T, error) {
	page, err := QueryInt64(r, "page")
	if err != nil {
		return nil, err
	}
	perPage, err := QueryInt64(r, "per_page")
	if err != nil {
		return nil, err
	}
	if page < 0 {
		return nil, shared.Invalid("page", "must be positive")
	}
	if perPage < 0 || perPage > maxPerPage {
		return nil, shared.Invalid("per_page", "must be between 1 and 200")
	}
	p := shared.NewPagination(int(page), int(perPage), len(items))

	h := w.Header()
	h.Set("X-Page", strconv.Itoa(p.Page))
	h.Set("X-Per-Page", strconv.Itoa(p.PerPage))
	h.Set("X-Total-Count", strconv.Itoa(p.Total))
	h.Set("X-Total-Pages", strconv.Itoa(p.TotalPages))

	start := (p.Page - 1) * p.PerPage
	if start >= len(items) {
		return []T{}, nil
	}
	end := min(start+p.PerPage, len(items))
	return items[start:end], nil
}
