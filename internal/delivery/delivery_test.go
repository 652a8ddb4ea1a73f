package delivery

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWith_BindsContextForDuration(t *testing.T) {
	assert.Nil(t, Current(context.Background()))

	RunWith(context.Background(), Context{DeliveryID: "d1", ChatID: "c1"}, func(ctx context.Context) {
		dc := Current(ctx)
		require.NotNil(t, dc)
		assert.Equal(t, "d1", dc.DeliveryID)
		assert.Equal(t, "c1", dc.ChatID)
	})
}

func TestWithPartial_InheritsAndOverlays(t *testing.T) {
	RunWith(context.Background(), Context{DeliveryID: "outer", AccountID: "acc"}, func(ctx context.Context) {
		WithPartial(ctx, Context{ChatID: "c1"}, func(inner context.Context) {
			dc := Current(inner)
			require.NotNil(t, dc)
			assert.Equal(t, "outer", dc.DeliveryID)
			assert.Equal(t, "acc", dc.AccountID)
			assert.Equal(t, "c1", dc.ChatID)
		})
	})
}

func TestWithPartial_AssignsFreshIDWhenNoneSupplied(t *testing.T) {
	WithPartial(context.Background(), Context{ChatID: "c1"}, func(ctx context.Context) {
		dc := Current(ctx)
		require.NotNil(t, dc)
		assert.NotEmpty(t, dc.DeliveryID)
	})
}

func TestRunWith_ConcurrentIndependentViews(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			RunWith(context.Background(), Context{DeliveryID: string(rune('a' + i))}, func(ctx context.Context) {
				dc := Current(ctx)
				require.NotNil(t, dc)
				assert.Equal(t, string(rune('a'+i)), dc.DeliveryID)
			})
		}()
	}
	wg.Wait()
}

func TestNestedRunWith_ShadowsOuter(t *testing.T) {
	RunWith(context.Background(), Context{DeliveryID: "outer"}, func(ctx context.Context) {
		RunWith(ctx, Context{DeliveryID: "inner"}, func(inner context.Context) {
			assert.Equal(t, "inner", Current(inner).DeliveryID)
		})
		assert.Equal(t, "outer", Current(ctx).DeliveryID)
	})
}
