package numerator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryNextRestartsPerYear(t *testing.T) {
	gen := NewMemory()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first, err := gen.Next(ctx, "TRF", at)
	require.NoError(t, err)
	require.Equal(t, "TRF-2026-00001", first)

	second, err := gen.Next(ctx, "TRF", at)
	require.NoError(t, err)
	require.Equal(t, "TRF-2026-00002", second)

	other, err := gen.Next(ctx, "INV", at)
	require.NoError(t, err)
	require.Equal(t, "INV-2026-00001", other)

	nextYear, err := gen.Next(ctx, "TRF", at.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.Equal(t, "TRF-2027-00001", nextYear)
}
