package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/service/platformclient"
)

type SweepReport struct {
	Delivered int
	Skipped   int
	Failed    int
}

type orderGroup struct {
	productID        string
	platformOrderRef string
}

// Sweep delivers reserved credentials of orders that the platform now reports as paid.
func (service *service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	groups, err := service.pendingGroups(ctx)
	if err != nil {
		return report, err
	}

	products := make(map[string]model.DigitalProduct)
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		zaplog := service.zaplog.With(zap.String("platform_order", g.platformOrderRef))

		product, ok := products[g.productID]
		if !ok {
			product, err = service.store.GetProduct(ctx, g.productID)
			if err != nil {
				zaplog.Error("sweep: get product", zap.Error(err))
				report.Failed++
				continue
			}
			products[g.productID] = product
		}
		// автоматическая отправка выключена: только вручную
		if !product.Data.AutoSendOnDeferredPayment {
			report.Skipped++
			continue
		}

		order, err := service.platform.GetOrder(ctx, g.platformOrderRef)
		if err != nil {
			zaplog.Warn("sweep: platform order lookup failed", zap.Error(err))
			report.Failed++
			continue
		}
		if order.FinancialStatus != platformclient.FinancialStatusPaid {
			zaplog.Debug("sweep: order not paid", zap.String("status", order.FinancialStatus))
			report.Skipped++
			continue
		}

		if _, err := service.DeliverPending(ctx, g.productID, g.platformOrderRef); err != nil {
			if !errors.Is(err, ErrDeliveryFailed) {
				zaplog.Error("sweep: delivery", zap.Error(err))
			}
			report.Failed++
			continue
		}
		report.Delivered++
	}
	return report, nil
}

// maxSweepPages bounds one sweep; rows left over are picked up on the next tick.
const maxSweepPages = 50

// pendingGroups pages through all pending credentials so that orders still
// waiting for payment cannot starve newer ones.
func (service *service) pendingGroups(ctx context.Context) ([]orderGroup, error) {
	limit := service.cfg.SweepBatch
	if limit <= 0 {
		limit = 20
	}

	var groups []orderGroup
	seen := make(map[orderGroup]bool)
	for page := 0; page < maxSweepPages; page++ {
		pending, err := service.store.ListPendingDeliveries(ctx, limit, page*limit)
		if err != nil {
			return nil, err
		}
		for _, credential := range pending {
			g := orderGroup{productID: credential.ProductID, platformOrderRef: credential.Data.PlatformOrderRef}
			if !seen[g] {
				seen[g] = true
				groups = append(groups, g)
			}
		}
		if len(pending) < limit {
			break
		}
	}
	return groups, nil
}

func (service *service) RunSweeper(ctx context.Context) {
	if service.cfg.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(service.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := service.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					service.zaplog.Error("sweep failed", zap.Error(err))
				}
				continue
			}
			if report != (SweepReport{}) {
				service.zaplog.Info("sweep finished",
					zap.Int("delivered", report.Delivered),
					zap.Int("skipped", report.Skipped),
					zap.Int("failed", report.Failed))
			}
		}
	}
}
