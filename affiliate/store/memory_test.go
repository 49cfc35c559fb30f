package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
	"github.com/warp/affiliate-engine/affiliate/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) affiliate.Store { return store.NewMemory() })
}

func TestMemory_ReturnsCopies(t *testing.T) {
	// GIVEN: A stored settlement
	// WHEN: The caller mutates the slice it got back
	// THEN: The stored claims are unaffected

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateSettlement(ctx, affiliate.Settlement{
		ID: "stl_1", AffiliateID: "aff_1", PeriodID: "2026-02",
		Status: affiliate.SettlementPending, ConversionIDs: []string{"conv_1"},
	}))

	got, err := m.GetSettlement(ctx, "stl_1")
	require.NoError(t, err)
	got.ConversionIDs[0] = "conv_other"

	again, err := m.GetSettlement(ctx, "stl_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"conv_1"}, again.ConversionIDs)
}

func TestMemory_WithTxSerializesWriters(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.AppendConversion(ctx, affiliate.Conversion{
		ID: "conv_1", OrderID: "order-1", Status: affiliate.ConversionPending,
	}))

	// Every goroutine reads then writes inside one transaction; only the
	// first can see pending.
	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithTx(ctx, func(tx affiliate.Store) error {
				c, err := tx.GetConversion(ctx, "conv_1")
				if err != nil || c.Status != affiliate.ConversionPending {
					return err
				}
				mu.Lock()
				winners++
				mu.Unlock()
				return tx.UpdateConversionStatus(ctx, c.ID, c.Status, affiliate.ConversionConfirmed, c.CreatedAt, "")
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
