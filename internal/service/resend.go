package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/keydelivery/internal/composer"
	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/store"
)

// ResendDelivery re-sends one credential with the product's current template.
func (service *service) ResendDelivery(ctx context.Context, credentialID string) error {
	credential, err := service.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if !credential.Data.IsUsed {
		return fmt.Errorf("%w: credential %s is not bound to an order", ErrNotFound, credentialID)
	}
	product, err := service.store.GetProduct(ctx, credential.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	recipient, err := service.resolveCustomer(ctx, []model.Credential{credential})
	if err != nil {
		return err
	}

	eff, err := service.effective(ctx, product, credential.Data.ClaimedVariantRef)
	if err != nil {
		return err
	}
	msg := composer.Render(eff, composer.Params{
		CustomerName:  recipient.Name,
		CustomerEmail: recipient.Email,
		ProductTitle:  product.Title,
		OrderNumber:   credential.Data.OrderRef,
		Keys:          []string{credential.Key},
	})

	messageID, sendErr := service.mail.Send(ctx, recipient.Email, msg.Subject, msg.HTML)
	if sendErr != nil {
		service.zaplog.Error("resend failed",
			zap.String("credential", credentialID),
			zap.Error(sendErr))
		if !credential.Data.EmailSent {
			if err := service.store.MarkDelivery(ctx, []string{credentialID}, model.DeliveryStatusFailed, time.Time{}); err != nil {
				return fmt.Errorf("mark delivery failed: %w", err)
			}
		}
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}

	if err := service.store.MarkDelivery(ctx, []string{credentialID}, model.DeliveryStatusSent, time.Now()); err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}
	service.zaplog.Info("credential re-sent",
		zap.String("credential", credentialID),
		zap.String("order", credential.Data.OrderRef),
		zap.String("message_id", messageID))
	return nil
}

// resolveCustomer finds the recipient of the given credentials of one order.
// A direct customer link wins; otherwise the bound order is looked up by platform
// reference, then by order number, and the customer found is linked back onto the
// credentials so that the next lookup is direct.
func (service *service) resolveCustomer(ctx context.Context, credentials []model.Credential) (model.Customer, error) {
	if len(credentials) == 0 {
		return model.Customer{}, ErrCustomerEmailUnresolved
	}

	for _, credential := range credentials {
		if credential.Data.CustomerRef == "" {
			continue
		}
		customer, err := service.store.GetCustomer(ctx, credential.Data.CustomerRef)
		if err == nil && customer.Email != "" {
			return customer, nil
		}
		if err != nil && !errors.Is(err, store.ErrNoRows) {
			return model.Customer{}, err
		}
	}

	first := credentials[0].Data
	order, err := service.findOrder(ctx, first.PlatformOrderRef, first.OrderRef)
	if err != nil {
		return model.Customer{}, err
	}
	if order.CustomerID == "" {
		return model.Customer{}, ErrCustomerEmailUnresolved
	}
	customer, err := service.store.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Customer{}, ErrCustomerEmailUnresolved
		}
		return model.Customer{}, err
	}
	if customer.Email == "" {
		return model.Customer{}, ErrCustomerEmailUnresolved
	}

	for _, credential := range credentials {
		if credential.Data.CustomerRef == customer.ID {
			continue
		}
		if err := service.store.LinkCustomer(ctx, credential.ID, customer.ID); err != nil {
			service.zaplog.Warn("customer backfill failed",
				zap.String("credential", credential.ID),
				zap.Error(err))
		}
	}
	return customer, nil
}

func (service *service) findOrder(ctx context.Context, platformOrderRef string, orderNumber string) (model.Order, error) {
	if platformOrderRef != "" {
		order, err := service.store.GetOrderByPlatformRef(ctx, platformOrderRef)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrNoRows) {
			return model.Order{}, err
		}
	}
	if orderNumber != "" {
		order, err := service.store.GetOrderByNumber(ctx, orderNumber)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrNoRows) {
			return model.Order{}, err
		}
	}
	return model.Order{}, ErrCustomerEmailUnresolved
}
