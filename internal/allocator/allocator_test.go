package allocator_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/keydelivery/internal/allocator"
	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/store"
	"github.com/iurnickita/keydelivery/internal/store/storetest"
)

func ids(credentials []model.Credential) []string {
	out := make([]string, 0, len(credentials))
	for _, c := range credentials {
		out = append(out, c.ID)
	}
	return out
}

func TestAllocateForOrderIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "", "KEY", 5)

	a := allocator.NewAllocator(s)
	req := allocator.Request{
		ProductID:        product.ID,
		OrderRef:         "#1001",
		PlatformOrderRef: "9001",
		Quantity:         2,
	}

	first, err := a.AllocateForOrder(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Partial())
	require.Equal(t, 2, first.Claimed)

	second, err := a.AllocateForOrder(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 0, second.Claimed)
	require.ElementsMatch(t, ids(first.Credentials), ids(second.Credentials))

	available, err := s.CountAvailable(ctx, product.ID)
	require.NoError(t, err)
	require.Equal(t, 3, available)
}

func TestAllocateForOrderQuantityChange(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "", "KEY", 5)
	a := allocator.NewAllocator(s)

	req := allocator.Request{ProductID: product.ID, OrderRef: "#1", PlatformOrderRef: "1", Quantity: 1}
	first, err := a.AllocateForOrder(ctx, req)
	require.NoError(t, err)

	// рост количества: добираем только разницу
	req.Quantity = 3
	grown, err := a.AllocateForOrder(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, grown.Claimed)
	require.Len(t, grown.Credentials, 3)
	require.Contains(t, ids(grown.Credentials), first.Credentials[0].ID)

	// уменьшение: ничего не освобождается
	req.Quantity = 1
	shrunk, err := a.AllocateForOrder(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 0, shrunk.Claimed)
	require.Len(t, shrunk.Credentials, 1)

	bound, err := s.FindBoundToOrder(ctx, product.ID, "1")
	require.NoError(t, err)
	require.Len(t, bound, 3)
}

func TestAllocateForOrderVariantPreference(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	generic := storetest.Keys(t, s, product.ID, "", "GENERIC", 1)
	tagged := storetest.Keys(t, s, product.ID, "v-pro", "PRO", 1)
	a := allocator.NewAllocator(s)

	candidate, err := a.AcquireOne(ctx, product.ID, "v-pro")
	require.NoError(t, err)
	require.Equal(t, tagged[0], candidate.Key)

	first, err := a.AllocateForOrder(ctx, allocator.Request{
		ProductID: product.ID, OrderRef: "#1", PlatformOrderRef: "1", Quantity: 1, VariantRef: "v-pro",
	})
	require.NoError(t, err)
	require.Equal(t, tagged[0], first.Credentials[0].Key)

	// пул варианта пуст: берем общий ключ
	second, err := a.AllocateForOrder(ctx, allocator.Request{
		ProductID: product.ID, OrderRef: "#2", PlatformOrderRef: "2", Quantity: 1, VariantRef: "v-pro",
	})
	require.NoError(t, err)
	require.Equal(t, generic[0], second.Credentials[0].Key)

	stored, err := s.GetCredential(ctx, second.Credentials[0].ID)
	require.NoError(t, err)
	require.Equal(t, "v-pro", stored.Data.ClaimedVariantRef)
	require.Empty(t, stored.VariantRef)
}

func TestAllocateForOrderWithoutVariantSkipsTaggedStock(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "v-pro", "PRO", 2)
	a := allocator.NewAllocator(s)

	_, err := a.AcquireOne(ctx, product.ID, "")
	require.ErrorIs(t, err, allocator.ErrNoneAvailable)
}

func TestAllocateForOrderPartialKeepsClaims(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "", "KEY", 2)
	a := allocator.NewAllocator(s)

	allocation, err := a.AllocateForOrder(ctx, allocator.Request{
		ProductID: product.ID, OrderRef: "#7", PlatformOrderRef: "7", Quantity: 3,
	})
	require.NoError(t, err)
	require.True(t, allocation.Partial())
	require.Equal(t, 1, allocation.Shortfall)
	require.Len(t, allocation.Credentials, 2)

	bound, err := s.FindBoundToOrder(ctx, product.ID, "7")
	require.NoError(t, err)
	require.ElementsMatch(t, ids(allocation.Credentials), ids(bound))
}

func TestAllocateForOrderNotConfigured(t *testing.T) {
	s := storetest.New(t)
	a := allocator.NewAllocator(s)

	_, err := a.AllocateForOrder(context.Background(), allocator.Request{
		ProductID: "missing", OrderRef: "#1", PlatformOrderRef: "1", Quantity: 1,
	})
	require.ErrorIs(t, err, allocator.ErrNotConfigured)
}

func TestAllocateForOrderConcurrentUniqueness(t *testing.T) {
	const (
		pool   = 5
		orders = 20
	)
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "", "KEY", pool)
	a := allocator.NewAllocator(s)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		failed  int
		owner   = map[string]string{}
	)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprint(5000 + i)
			allocation, err := a.AllocateForOrder(ctx, allocator.Request{
				ProductID: product.ID, OrderRef: "#" + ref, PlatformOrderRef: ref, Quantity: 1,
			})
			mu.Lock()
			defer mu.Unlock()
			if !assert.NoError(t, err) {
				return
			}
			if allocation.Partial() {
				failed++
				return
			}
			success++
			for _, c := range allocation.Credentials {
				if prev, ok := owner[c.ID]; ok {
					t.Errorf("credential %s bound to %s and %s", c.ID, prev, ref)
				}
				owner[c.ID] = ref
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, pool, success)
	require.Equal(t, orders-pool, failed)
	require.Len(t, owner, pool)
}

// racingStore lets a rival order claim the first candidate right after it is selected.
type racingStore struct {
	store.Store
	raced bool
}

func (r *racingStore) FindUnclaimed(ctx context.Context, productID string, variantRef string) (model.Credential, error) {
	candidate, err := r.Store.FindUnclaimed(ctx, productID, variantRef)
	if err == nil && !r.raced {
		r.raced = true
		ok, claimErr := r.Store.Claim(ctx, candidate.ID, store.Claim{OrderRef: "#rival", PlatformOrderRef: "rival"})
		if claimErr != nil || !ok {
			return model.Credential{}, fmt.Errorf("rival claim failed: %v", claimErr)
		}
	}
	return candidate, err
}

func TestAllocateForOrderRetriesLostClaim(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "", "KEY", 2)
	a := allocator.NewAllocator(&racingStore{Store: s})

	allocation, err := a.AllocateForOrder(ctx, allocator.Request{
		ProductID: product.ID, OrderRef: "#1", PlatformOrderRef: "1", Quantity: 1,
	})
	require.NoError(t, err)
	require.False(t, allocation.Partial())

	rival, err := s.FindBoundToOrder(ctx, product.ID, "rival")
	require.NoError(t, err)
	require.Len(t, rival, 1)
	require.NotEqual(t, rival[0].ID, allocation.Credentials[0].ID)
}

// barrierStore holds the first readers of the bound set until all of them have
// read it, so duplicate events race on the claim itself.
type barrierStore struct {
	store.Store
	readers sync.WaitGroup
	calls   atomic.Int32
	held    int32
}

func newBarrierStore(s store.Store, held int) *barrierStore {
	b := &barrierStore{Store: s, held: int32(held)}
	b.readers.Add(held)
	return b
}

func (b *barrierStore) FindBoundToOrder(ctx context.Context, productID string, platformOrderRef string) ([]model.Credential, error) {
	bound, err := b.Store.FindBoundToOrder(ctx, productID, platformOrderRef)
	if b.calls.Add(1) <= b.held {
		b.readers.Done()
		b.readers.Wait()
	}
	return bound, err
}

func TestAllocateForOrderDuplicateEventsRespectQuantity(t *testing.T) {
	const duplicates = 2
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "", "KEY", 10)
	a := allocator.NewAllocator(newBarrierStore(s, duplicates))

	req := allocator.Request{ProductID: product.ID, OrderRef: "#1", PlatformOrderRef: "1", Quantity: 1}
	results := make([]allocator.Allocation, duplicates)
	var wg sync.WaitGroup
	for i := 0; i < duplicates; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allocation, err := a.AllocateForOrder(ctx, req)
			assert.NoError(t, err)
			results[i] = allocation
		}(i)
	}
	wg.Wait()

	bound, err := s.FindBoundToOrder(ctx, product.ID, "1")
	require.NoError(t, err)
	require.Len(t, bound, 1)
	for _, allocation := range results {
		require.False(t, allocation.Partial())
		require.Equal(t, ids(bound), ids(allocation.Credentials))
	}

	available, err := s.CountAvailable(ctx, product.ID)
	require.NoError(t, err)
	require.Equal(t, 9, available)
}

func TestAllocateForOrderReturnsStoredClaimTime(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "", "KEY", 1)
	a := allocator.NewAllocator(s)

	allocation, err := a.AllocateForOrder(ctx, allocator.Request{
		ProductID: product.ID, OrderRef: "#1", PlatformOrderRef: "1", Quantity: 1,
	})
	require.NoError(t, err)
	claimed := allocation.Credentials[0]
	require.False(t, claimed.Data.UsedAt.IsZero())

	stored, err := s.GetCredential(ctx, claimed.ID)
	require.NoError(t, err)
	require.True(t, stored.Data.UsedAt.Equal(claimed.Data.UsedAt),
		"returned %s, stored %s", claimed.Data.UsedAt, stored.Data.UsedAt)
}

// Две позиции одного товара с разными вариантами делят привязку к заказу.
func TestAllocateForOrderSharesBoundSetAcrossVariants(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "p-1")
	storetest.Keys(t, s, product.ID, "v-a", "A", 1)
	storetest.Keys(t, s, product.ID, "v-b", "B", 1)
	a := allocator.NewAllocator(s)

	first, err := a.AllocateForOrder(ctx, allocator.Request{
		ProductID: product.ID, OrderRef: "#1", PlatformOrderRef: "1", Quantity: 1, VariantRef: "v-a",
	})
	require.NoError(t, err)
	second, err := a.AllocateForOrder(ctx, allocator.Request{
		ProductID: product.ID, OrderRef: "#1", PlatformOrderRef: "1", Quantity: 1, VariantRef: "v-b",
	})
	require.NoError(t, err)
	require.Equal(t, 0, second.Claimed)
	require.Equal(t, ids(first.Credentials), ids(second.Credentials))
}
