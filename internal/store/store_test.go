package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/store"
	"github.com/iurnickita/keydelivery/internal/store/storetest"
)

func TestStoreProduct(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	product := model.DigitalProduct{
		PlatformRef: "8001",
		Title:       "Office 2021",
		Data: model.DigitalProductData{
			EmailTemplate: "Hi {{ customer_name }}",
			Buttons: []model.Button{
				{URL: "https://a.example", Label: "Windows", Color: "#000000"},
				{URL: "https://b.example", Label: "macOS"},
			},
			AutoSendOnDeferredPayment: true,
		},
	}
	saved, err := s.UpsertProduct(ctx, product)
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	product.ID = saved.ID
	require.Equal(t, product, saved)

	// повторная запись обновляет существующий товар
	product.ID = ""
	product.Title = "Office 2021 Pro"
	product.Data.Buttons = nil
	updated, err := s.UpsertProduct(ctx, product)
	require.NoError(t, err)
	require.Equal(t, saved.ID, updated.ID)
	require.Equal(t, "Office 2021 Pro", updated.Title)
	require.Nil(t, updated.Data.Buttons)

	_, err = s.GetProductByPlatformRef(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNoRows)
}

func TestStoreVariantOverride(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")

	_, err := s.GetVariantOverride(ctx, product.ID, "v-1")
	require.ErrorIs(t, err, store.ErrNoRows)

	override := model.VariantOverride{
		ProductID:  product.ID,
		VariantRef: "v-1",
		Data: model.VariantOverrideData{
			EmailTemplate: "variant",
			Buttons:       []model.Button{{URL: "https://v.example", Label: "V"}},
		},
	}
	require.NoError(t, s.UpsertVariantOverride(ctx, override))

	got, err := s.GetVariantOverride(ctx, product.ID, "v-1")
	require.NoError(t, err)
	require.Equal(t, override, got)
}

func TestStoreClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")
	storetest.Keys(t, s, product.ID, "", "KEY", 1)

	credential, err := s.FindUnclaimed(ctx, product.ID, "")
	require.NoError(t, err)
	require.Equal(t, "KEY-1", credential.Key)

	ok, err := s.Claim(ctx, credential.ID, store.Claim{OrderRef: "#1", PlatformOrderRef: "1", CustomerRef: "c-1"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, credential.ID, store.Claim{OrderRef: "#2", PlatformOrderRef: "2"})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.FindUnclaimed(ctx, product.ID, "")
	require.ErrorIs(t, err, store.ErrNoRows)

	stored, err := s.GetCredential(ctx, credential.ID)
	require.NoError(t, err)
	require.True(t, stored.Data.IsUsed)
	require.False(t, stored.Data.UsedAt.IsZero())
	require.Equal(t, "#1", stored.Data.OrderRef)
	require.Equal(t, "1", stored.Data.PlatformOrderRef)
	require.Equal(t, "c-1", stored.Data.CustomerRef)
	require.Equal(t, model.DeliveryStatusPending, stored.Data.DeliveryStatus)

	bound, err := s.FindBoundToOrder(ctx, product.ID, "2")
	require.NoError(t, err)
	require.Empty(t, bound)
}

func TestStoreClaimQuota(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")
	other := storetest.Product(t, s, "8002")
	storetest.Keys(t, s, product.ID, "", "KEY", 3)
	storetest.Keys(t, s, other.ID, "", "OTHER", 1)

	claim := store.Claim{OrderRef: "#1", PlatformOrderRef: "1", Quota: 2}
	for i := 0; i < 2; i++ {
		ok, err := s.Claim(ctx, nextUnclaimed(t, s, product.ID), claim)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// заказ уже держит два ключа товара
	last := nextUnclaimed(t, s, product.ID)
	ok, err := s.Claim(ctx, last, claim)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetCredential(ctx, last)
	require.NoError(t, err)
	require.False(t, got.Data.IsUsed)

	// квота считается по товару
	ok, err = s.Claim(ctx, nextUnclaimed(t, s, other.ID), claim)
	require.NoError(t, err)
	require.True(t, ok)

	claim.Quota = 3
	ok, err = s.Claim(ctx, last, claim)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreClaimWritesUsedAt(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")
	storetest.Keys(t, s, product.ID, "", "KEY", 1)
	c, err := s.FindUnclaimed(ctx, product.ID, "")
	require.NoError(t, err)

	usedAt := time.Date(2026, 10, 1, 12, 30, 0, 123000, time.UTC)
	ok, err := s.Claim(ctx, c.ID, store.Claim{OrderRef: "#1", PlatformOrderRef: "1", UsedAt: usedAt})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, usedAt.Equal(got.Data.UsedAt))
}

func nextUnclaimed(t *testing.T, s store.Store, productID string) string {
	t.Helper()
	credential, err := s.FindUnclaimed(context.Background(), productID, "")
	require.NoError(t, err)
	return credential.ID
}

func TestStoreFindUnclaimedPools(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")
	storetest.Keys(t, s, product.ID, "v-1", "TAGGED", 1)

	_, err := s.FindUnclaimed(ctx, product.ID, "")
	require.ErrorIs(t, err, store.ErrNoRows)

	tagged, err := s.FindUnclaimed(ctx, product.ID, "v-1")
	require.NoError(t, err)
	require.Equal(t, "v-1", tagged.VariantRef)
}

func TestStoreMarkDelivery(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")
	storetest.Keys(t, s, product.ID, "", "KEY", 2)

	var ids []string
	for i := 0; i < 2; i++ {
		c, err := s.FindUnclaimed(ctx, product.ID, "")
		require.NoError(t, err)
		ok, err := s.Claim(ctx, c.ID, store.Claim{OrderRef: "#1", PlatformOrderRef: "1"})
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, c.ID)
	}

	sentAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkDelivery(ctx, ids, model.DeliveryStatusSent, sentAt))
	// неудачная повторная отправка не сбрасывает email_sent
	require.NoError(t, s.MarkDelivery(ctx, ids[:1], model.DeliveryStatusFailed, time.Time{}))

	first, err := s.GetCredential(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, first.Data.EmailSent)
	require.Equal(t, model.DeliveryStatusFailed, first.Data.DeliveryStatus)
	require.True(t, sentAt.Equal(first.Data.EmailSentAt))

	second, err := s.GetCredential(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, model.DeliveryStatusSent, second.Data.DeliveryStatus)

	require.Error(t, s.MarkDelivery(ctx, ids, model.DeliveryStatus("BOGUS"), sentAt))
}

func TestStoreBulkInsertDuplicates(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")
	other := storetest.Product(t, s, "8002")

	res, err := s.BulkInsert(ctx, product.ID, "", []string{" A ", "B", "", "B"})
	require.NoError(t, err)
	require.Equal(t, store.ImportResult{Inserted: 2, Duplicates: 1}, res)

	// ключ уникален во всем пуле, а не только в товаре
	res, err = s.BulkInsert(ctx, other.ID, "", []string{"A", "C"})
	require.NoError(t, err)
	require.Equal(t, store.ImportResult{Inserted: 1, Duplicates: 1}, res)

	count, err := s.CountAvailable(ctx, product.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestStoreListPendingDeliveries(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")
	storetest.Keys(t, s, product.ID, "", "KEY", 4)

	var ids []string
	for i := 0; i < 3; i++ {
		c, err := s.FindUnclaimed(ctx, product.ID, "")
		require.NoError(t, err)
		ok, err := s.Claim(ctx, c.ID, store.Claim{OrderRef: "#1", PlatformOrderRef: "1"})
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, c.ID)
	}
	require.NoError(t, s.MarkDelivery(ctx, ids[:1], model.DeliveryStatusSent, time.Now()))
	require.NoError(t, s.MarkDelivery(ctx, ids[1:2], model.DeliveryStatusFailed, time.Time{}))

	pending, err := s.ListPendingDeliveries(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	page, err := s.ListPendingDeliveries(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, pending[1].ID, page[0].ID)
}

func TestStoreCustomerAndOrder(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	customer, err := s.UpsertCustomer(ctx, model.Customer{PlatformRef: "c-1", Email: "ada@example.com", Name: "Ada"})
	require.NoError(t, err)
	again, err := s.UpsertCustomer(ctx, model.Customer{PlatformRef: "c-1", Email: "ada@new.example", Name: "Ada L."})
	require.NoError(t, err)
	require.Equal(t, customer.ID, again.ID)
	require.Equal(t, "ada@new.example", again.Email)

	// пустые поля события не затирают известные
	partial, err := s.UpsertCustomer(ctx, model.Customer{PlatformRef: "c-1"})
	require.NoError(t, err)
	require.Equal(t, "ada@new.example", partial.Email)
	require.Equal(t, "Ada L.", partial.Name)

	byEmail, err := s.UpsertCustomer(ctx, model.Customer{Email: "Guest@Example.com"})
	require.NoError(t, err)
	require.Equal(t, "email:guest@example.com", byEmail.PlatformRef)

	order, err := s.UpsertOrder(ctx, model.Order{Number: "#1001", PlatformRef: "9001", CustomerID: customer.ID})
	require.NoError(t, err)

	// пустой customer_id не затирает известного покупателя
	_, err = s.UpsertOrder(ctx, model.Order{Number: "#1001", PlatformRef: "9001"})
	require.NoError(t, err)

	got, err := s.GetOrderByPlatformRef(ctx, "9001")
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)
	require.Equal(t, customer.ID, got.CustomerID)

	byNumber, err := s.GetOrderByNumber(ctx, "#1001")
	require.NoError(t, err)
	require.Equal(t, order.ID, byNumber.ID)

	_, err = s.GetOrderByNumber(ctx, "#404")
	require.ErrorIs(t, err, store.ErrNoRows)

	_, err = s.GetCustomer(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNoRows)
}

func TestStoreLinkCustomer(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	product := storetest.Product(t, s, "8001")
	storetest.Keys(t, s, product.ID, "", "KEY", 1)
	c, err := s.FindUnclaimed(ctx, product.ID, "")
	require.NoError(t, err)

	require.NoError(t, s.LinkCustomer(ctx, c.ID, "c-9"))
	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "c-9", got.Data.CustomerRef)

	require.ErrorIs(t, s.LinkCustomer(ctx, "missing", "c-9"), store.ErrNoRows)
}
