// Package allocator binds credentials from the pool to orders.
//
// Exclusivity comes only from the store's conditional claim (update where not yet
// used and the order is under quota). There is no order or pool lock: a lost
// claim re-reads the order's bound set and moves on to the next candidate.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/store"
)

var (
	ErrNotConfigured = errors.New("product not configured")
	ErrNoneAvailable = errors.New("no credential available")
)

type Allocator interface {
	AcquireOne(ctx context.Context, productID string, variantRef string) (model.Credential, error)
	AllocateForOrder(ctx context.Context, req Request) (Allocation, error)
}

type Request struct {
	ProductID        string
	OrderRef         string
	PlatformOrderRef string
	Quantity         int
	VariantRef       string
	CustomerRef      string
}

// Allocation lists the credentials bound to the order. Shortfall > 0 means the
// pool ran dry; the credentials claimed so far stay bound.
type Allocation struct {
	Credentials []model.Credential
	Claimed     int
	Shortfall   int
}

func (a Allocation) Partial() bool {
	return a.Shortfall > 0
}

type allocator struct {
	store store.KeyStore
}

func NewAllocator(store store.KeyStore) Allocator {
	return &allocator{store: store}
}

// AcquireOne selects, without claiming, the next candidate: variant pool first,
// then generic stock.
func (a *allocator) AcquireOne(ctx context.Context, productID string, variantRef string) (model.Credential, error) {
	if variantRef != "" {
		credential, err := a.store.FindUnclaimed(ctx, productID, variantRef)
		if err == nil {
			return credential, nil
		}
		if !errors.Is(err, store.ErrNoRows) {
			return model.Credential{}, err
		}
	}

	credential, err := a.store.FindUnclaimed(ctx, productID, "")
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Credential{}, ErrNoneAvailable
		}
		return model.Credential{}, err
	}
	return credential, nil
}

func (a *allocator) AllocateForOrder(ctx context.Context, req Request) (Allocation, error) {
	if req.Quantity < 1 {
		req.Quantity = 1
	}

	if _, err := a.store.GetProduct(ctx, req.ProductID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return Allocation{}, ErrNotConfigured
		}
		return Allocation{}, err
	}

	// Повторная доставка того же события: ключи уже привязаны
	bound, err := a.store.FindBoundToOrder(ctx, req.ProductID, req.PlatformOrderRef)
	if err != nil {
		return Allocation{}, fmt.Errorf("find bound credentials: %w", err)
	}
	if len(bound) >= req.Quantity {
		// уменьшение количества не поддерживается: лишние ключи остаются привязанными
		return Allocation{Credentials: bound[:req.Quantity]}, nil
	}

	claim := store.Claim{
		OrderRef:         req.OrderRef,
		PlatformOrderRef: req.PlatformOrderRef,
		VariantRef:       req.VariantRef,
		CustomerRef:      req.CustomerRef,
		Quota:            req.Quantity,
	}
	allocation := Allocation{Credentials: bound}
	for len(allocation.Credentials) < req.Quantity {
		credential, ok, err := a.claimNext(ctx, req.ProductID, req.VariantRef, claim)
		if errors.Is(err, ErrNoneAvailable) {
			allocation.Shortfall = req.Quantity - len(allocation.Credentials)
			return allocation, nil
		}
		if err != nil {
			return allocation, err
		}
		if !ok {
			// строку забрал другой заказ либо дубль события уже добрал квоту
			bound, err = a.store.FindBoundToOrder(ctx, req.ProductID, req.PlatformOrderRef)
			if err != nil {
				return allocation, fmt.Errorf("find bound credentials: %w", err)
			}
			allocation.Credentials = bound
			continue
		}
		allocation.Credentials = append(allocation.Credentials, credential)
		allocation.Claimed++
	}
	if len(allocation.Credentials) > req.Quantity {
		allocation.Credentials = allocation.Credentials[:req.Quantity]
	}
	return allocation, nil
}

// claimNext makes one claim attempt on the next candidate. ok is false when the
// row went to another order or the order already holds its quota.
func (a *allocator) claimNext(ctx context.Context, productID string, variantRef string, claim store.Claim) (model.Credential, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Credential{}, false, err
	}

	candidate, err := a.AcquireOne(ctx, productID, variantRef)
	if err != nil {
		return model.Credential{}, false, err
	}

	claim.UsedAt = time.Now().UTC().Truncate(time.Microsecond)
	ok, err := a.store.Claim(ctx, candidate.ID, claim)
	if err != nil {
		return model.Credential{}, false, fmt.Errorf("claim credential: %w", err)
	}
	if !ok {
		return model.Credential{}, false, nil
	}

	candidate.Data = model.CredentialData{
		IsUsed:            true,
		UsedAt:            claim.UsedAt,
		OrderRef:          claim.OrderRef,
		PlatformOrderRef:  claim.PlatformOrderRef,
		ClaimedVariantRef: claim.VariantRef,
		CustomerRef:       claim.CustomerRef,
		DeliveryStatus:    model.DeliveryStatusPending,
	}
	return candidate, true, nil
}
