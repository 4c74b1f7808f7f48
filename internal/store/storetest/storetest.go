// Package storetest opens throwaway in-memory stores for tests.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/store"
	"github.com/iurnickita/keydelivery/internal/store/config"
)

// New returns an empty SQLite-backed store closed at test cleanup.
func New(t testing.TB) store.Store {
	t.Helper()
	s, err := store.NewStore(config.Config{Driver: config.DriverSQLite, DBDsn: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Product saves a product with the given platform ref and default settings.
func Product(t testing.TB, s store.Store, platformRef string) model.DigitalProduct {
	t.Helper()
	product, err := s.UpsertProduct(context.Background(), model.DigitalProduct{
		PlatformRef: platformRef,
		Title:       "Product " + platformRef,
		Data:        model.DigitalProductData{AutoSendOnDeferredPayment: true},
	})
	require.NoError(t, err)
	return product
}

// Keys imports n keys named prefix-1..prefix-n into the pool.
func Keys(t testing.TB, s store.Store, productID, variantRef, prefix string, n int) []string {
	t.Helper()
	keys := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		keys = append(keys, fmt.Sprintf("%s-%d", prefix, i))
	}
	res, err := s.BulkInsert(context.Background(), productID, variantRef, keys)
	require.NoError(t, err)
	require.Equal(t, n, res.Inserted)
	return keys
}
