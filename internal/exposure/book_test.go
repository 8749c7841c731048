package exposure

import (
	"context"
	"sync"
	"testing"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu    sync.Mutex
	calls []domain.Exposure
}

func (f *fakePersister) UpsertExposure(_ context.Context, e domain.Exposure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, e)
	return nil
}

func TestBookOpenAccumulatesByDirection(t *testing.T) {
	p := &fakePersister{}
	b := New(p, zerolog.Nop())
	ctx := context.Background()

	_, err := b.Open(ctx, "EUR/USD-OTC", domain.DirectionUp, 10)
	require.NoError(t, err)
	_, err = b.Open(ctx, "EUR/USD-OTC", domain.DirectionUp, 5)
	require.NoError(t, err)
	exp, err := b.Open(ctx, "EUR/USD-OTC", domain.DirectionDown, 3)
	require.NoError(t, err)

	assert.Equal(t, 15.0, exp.UpStake)
	assert.Equal(t, 2, exp.UpCount)
	assert.Equal(t, 3.0, exp.DownStake)
	assert.Equal(t, 1, exp.DownCount)
}

func TestBookCloseUnderflowClampsToZero(t *testing.T) {
	p := &fakePersister{}
	b := New(p, zerolog.Nop())
	ctx := context.Background()

	_, err := b.Open(ctx, "BTC/USD-OTC", domain.DirectionUp, 10)
	require.NoError(t, err)
	exp, err := b.Close(ctx, "BTC/USD-OTC", domain.DirectionUp, 25)
	require.NoError(t, err)

	assert.Equal(t, 0.0, exp.UpStake)
	assert.Equal(t, 0, exp.UpCount)
}

func TestBookRatioReflectsImbalance(t *testing.T) {
	p := &fakePersister{}
	b := New(p, zerolog.Nop())
	ctx := context.Background()

	_, err := b.Open(ctx, "EUR/USD-OTC", domain.DirectionUp, 80)
	require.NoError(t, err)
	_, err = b.Open(ctx, "EUR/USD-OTC", domain.DirectionDown, 20)
	require.NoError(t, err)

	exp := b.Snapshot("EUR/USD-OTC")
	assert.InDelta(t, 0.6, exp.Ratio(), 1e-9)
	assert.Equal(t, 60.0, exp.Net())
}

func TestBookRestoreSeedsFromSnapshot(t *testing.T) {
	p := &fakePersister{}
	b := New(p, zerolog.Nop())
	b.Restore([]domain.Exposure{{Symbol: "EUR/USD-OTC", UpStake: 50, UpCount: 1}})

	exp := b.Snapshot("EUR/USD-OTC")
	assert.Equal(t, 50.0, exp.UpStake)
	assert.Equal(t, 1, exp.UpCount)
}

func TestBookResetClearsAggregates(t *testing.T) {
	p := &fakePersister{}
	b := New(p, zerolog.Nop())
	ctx := context.Background()

	_, err := b.Open(ctx, "EUR/USD-OTC", domain.DirectionUp, 10)
	require.NoError(t, err)

	exp, err := b.Reset(ctx, "EUR/USD-OTC")
	require.NoError(t, err)
	assert.Equal(t, 0.0, exp.UpStake)
	assert.Equal(t, 0, exp.UpCount)
}
