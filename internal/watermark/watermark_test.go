package watermark_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/store/sqlite"
	"github.com/runcore/core/internal/watermark"
)

func newTestService(t *testing.T) *watermark.Service {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return watermark.New(db, eventbus.NewInProcessBus(16), zap.NewNop())
}

func TestAdvanceMovesHighWaterForward(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	wm, err := svc.Advance(ctx, "sec_filings", "edgar", "10-K", "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", wm.HighWater)

	wm, err = svc.Advance(ctx, "sec_filings", "edgar", "10-K", "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01", wm.HighWater)
}

func TestAdvanceKeepsCurrentWhenNewIsNotGreater(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Advance(ctx, "sec_filings", "edgar", "10-K", "2024-06-01")
	require.NoError(t, err)

	wm, err := svc.Advance(ctx, "sec_filings", "edgar", "10-K", "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01", wm.HighWater)
}

func TestListGapsReturnsOnlyMissingPartitions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, key := range []string{"10-K", "10-Q", "8-K"} {
		_, err := svc.Advance(ctx, "sec_filings", "edgar", key, "2024-01-01")
		require.NoError(t, err)
	}

	gaps, err := svc.ListGaps(ctx, "sec_filings", "edgar", []string{"10-K", "10-Q", "8-K", "20-F"})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "20-F", gaps[0].PartitionKey)
}

func TestDeleteRemovesWatermark(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Advance(ctx, "sec_filings", "edgar", "10-K", "2024-01-01")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "sec_filings", "edgar", "10-K"))

	wm, err := svc.Get(ctx, "sec_filings", "edgar", "10-K")
	require.NoError(t, err)
	assert.Nil(t, wm)
}
