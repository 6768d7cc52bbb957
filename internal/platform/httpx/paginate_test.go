package httpx

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	rec := httptest.NewRecorder()
	out, err := Paginate(rec, httptest.NewRequest("GET", "/transfers?page=2&per_page=3", nil), items)
	require.NoError(t, err)
	require.Equal(t, []int{4, 5, 6}, out)
	require.Equal(t, "7", rec.Header().Get("X-Total-Count"))
	require.Equal(t, "3", rec.Header().Get("X-Total-Pages"))

	rec = httptest.NewRecorder()
	out, err = Paginate(rec, httptest.NewRequest("GET", "/transfers", nil), items)
	require.NoError(t, err)
	require.Len(t, out, 7)
	require.Equal(t, "20", rec.Header().Get("X-Per-Page"))

	out, err = Paginate(httptest.NewRecorder(), httptest.NewRequest("GET", "/transfers?page=9&per_page=3", nil), items)
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = Paginate(httptest.NewRecorder(), httptest.NewRequest("GET", "/transfers?per_page=500", nil), items)
	var verr *shared.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "per_page", verr.Field)
}
