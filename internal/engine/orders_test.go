package engine_test

import (
	"context"
	"testing"
	"time"

	"liq_engine/internal/engine"
	"liq_engine/internal/gateway"
	"liq_engine/internal/gateway/paper"
	"liq_engine/internal/identity"
	"liq_engine/internal/models"
	"liq_engine/internal/store"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFactory() (*engine.OrderFactory, *paper.Exchange, *store.Store) {
	ex := paper.New(models.Instrument{Symbol: symbol, TickSize: 0.1, LotSize: 0.001, MinQty: 0.001}, 10_000)
	ex.SetPrice(90850)
	st := store.New(symbol, store.NewMemory(), zap.NewNop())
	return engine.NewOrderFactory(ex, st, zap.NewNop()), ex, st
}

func entrySpec(decisionID string) engine.OrderSpec {
	return engine.OrderSpec{
		Role:       models.RoleEntry,
		DecisionID: decisionID,
		Side:       models.Buy,
		Type:       models.OrderLimit,
		Price:      90000,
		Quantity:   0.1,
	}
}

func TestPlaceIsIdempotentPerRole(t *testing.T) {
	ctx := context.Background()
	f, ex, st := newFactory()

	_, placed, err := f.Place(ctx, entrySpec("101"))
	require.NoError(t, err)
	assert.True(t, placed)

	_, placed, err = f.Place(ctx, entrySpec("101"))
	require.NoError(t, err)
	assert.False(t, placed)

	assert.Len(t, ex.Placed(), 1)
	o, ok := st.LiveOrder(models.RoleEntry)
	require.True(t, ok)
	assert.Equal(t, "lx_101_entry", o.ClientID)
	assert.Equal(t, models.OrderNew, o.Status)
	assert.NotEmpty(t, o.ExchangeID)
}

func TestPlaceRefusesSecondLiveOrderForRole(t *testing.T) {
	ctx := context.Background()
	f, ex, _ := newFactory()

	_, _, err := f.Place(ctx, entrySpec("101"))
	require.NoError(t, err)
	_, _, err = f.Place(ctx, entrySpec("102"))

	assert.ErrorIs(t, err, engine.ErrRoleBusy)
	assert.Equal(t, 1, ex.LiveCount())
}

func TestPlaceAdoptsDuplicateAfterLostResponse(t *testing.T) {
	ctx := context.Background()
	f, ex, st := newFactory()
	// ордер уже на бирже, а локальной записи нет
	_, err := ex.PlaceOrder(ctx, gateway.OrderRequest{
		Symbol: symbol, ClientID: "lx_101_entry", Side: models.Buy, Type: models.OrderLimit, Price: 90000, Quantity: 0.1,
	})
	require.NoError(t, err)

	got, placed, err := f.Place(ctx, entrySpec("101"))

	require.NoError(t, err)
	assert.True(t, placed)
	assert.Equal(t, "lx_101_entry", got.ClientID)
	assert.Equal(t, 1, ex.LiveCount())
	_, ok := st.LiveOrder(models.RoleEntry)
	assert.True(t, ok)
}

func TestPlaceRejectedLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	f, _, st := newFactory()
	spec := entrySpec("101")
	spec.Role = models.RoleSL
	spec.Type = models.OrderStopMarket
	spec.Side = models.Sell
	spec.ReduceOnly = true

	_, _, err := f.Place(ctx, spec)

	assert.True(t, gateway.IsRejected(err))
	_, ok := st.Order(models.RoleSL)
	assert.False(t, ok)
}

func TestCancelReturnsFinalState(t *testing.T) {
	ctx := context.Background()
	f, ex, _ := newFactory()
	_, _, err := f.Place(ctx, entrySpec("101"))
	require.NoError(t, err)
	require.True(t, ex.Fill("lx_101_entry", 0.03, 90000))

	got, ok, err := f.Cancel(ctx, models.RoleEntry)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.OrderCanceled, got.Status)
	assert.InDelta(t, 0.03, got.ExecutedQty, 1e-12)

	_, ok, err = f.Cancel(ctx, models.RoleEntry)
	require.NoError(t, err)
	assert.True(t, ok, "local record is still live until the caller absorbs the final state")
}

func TestCancelTreatsUnknownOrderAsCanceled(t *testing.T) {
	ctx := context.Background()
	f, ex, _ := newFactory()
	_, _, err := f.Place(ctx, entrySpec("101"))
	require.NoError(t, err)
	ex.Drop("lx_101_entry")

	got, ok, err := f.Cancel(ctx, models.RoleEntry)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.OrderCanceled, got.Status)
}

func TestCancelWithoutLiveOrder(t *testing.T) {
	f, _, _ := newFactory()
	_, ok, err := f.Cancel(context.Background(), models.RoleTP1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProperty_PlaceTwiceYieldsOneLiveOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("one live exchange order per decision and role", prop.ForAll(
		func(decisionID string, role models.Role, repeats int) bool {
			ctx := context.Background()
			f, ex, st := newFactory()
			spec := entrySpec(decisionID)
			spec.Role = role
			for i := 0; i < repeats; i++ {
				if _, _, err := f.Place(ctx, spec); err != nil {
					return false
				}
			}
			o, ok := st.LiveOrder(role)
			return ok &&
				o.ClientID == identity.ClientID(decisionID, role) &&
				len(ex.Placed()) == 1 &&
				ex.LiveCount() == 1
		},
		gen.OneGenOf(gen.Identifier(), gen.AnyString(), gen.NumString()),
		gen.OneConstOf(models.RoleEntry, models.RoleSL, models.RoleTP1, models.RoleTP2),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
