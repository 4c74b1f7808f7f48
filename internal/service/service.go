package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/keydelivery/internal/allocator"
	"github.com/iurnickita/keydelivery/internal/composer"
	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/service/alert"
	"github.com/iurnickita/keydelivery/internal/service/config"
	"github.com/iurnickita/keydelivery/internal/service/mailclient"
	"github.com/iurnickita/keydelivery/internal/service/platformclient"
	"github.com/iurnickita/keydelivery/internal/store"
)

type Service interface {
	RecordOrder(ctx context.Context, customer model.Customer, order model.Order) (model.Customer, error)
	ProcessOrder(ctx context.Context, event OrderEvent) (Result, error)
	DeliverPending(ctx context.Context, productID string, platformOrderRef string) (Result, error)
	ResendDelivery(ctx context.Context, credentialID string) error
	Sweep(ctx context.Context) (SweepReport, error)
	RunSweeper(ctx context.Context)

	ImportKeys(ctx context.Context, productID string, variantRef string, keys []string) (store.ImportResult, error)
	Stock(ctx context.Context, productID string) (int, error)
	PendingDeliveries(ctx context.Context, limit int, offset int) ([]model.Credential, error)
}

const (
	DefaultPendingLimit = 100
	MaxPendingLimit     = 1000
)

var (
	ErrInsufficientData        = errors.New("insufficient data")
	ErrProductNotConfigured    = errors.New("product not configured")
	ErrOutOfStock              = errors.New("out of stock")
	ErrDeliveryFailed          = errors.New("delivery failed")
	ErrNotFound                = errors.New("not found")
	ErrCustomerEmailUnresolved = errors.New("customer email unresolved")
)

// State of one (product, order) delivery.
type State string

const (
	StateNotStarted            State = "NOT_STARTED"
	StateKeysReserved          State = "KEYS_RESERVED"
	StateAwaitingAuthorization State = "AWAITING_AUTHORIZATION"
	StateSending               State = "SENDING"
	StateSent                  State = "SENT"
	StateSendFailed            State = "SEND_FAILED"
	StateFulfilled             State = "FULFILLED"
)

// OrderEvent is one line item of an upstream order event.
type OrderEvent struct {
	ProductRef       string
	OrderRef         string
	PlatformOrderRef string
	Customer         model.Customer
	Quantity         int
	VariantRef       string
	ShouldSendNow    bool
}

type Result struct {
	Credentials []model.Credential
	Shortfall   int
	State       State
	MessageID   string
}

type service struct {
	cfg       config.Config
	store     store.Store
	allocator allocator.Allocator
	mail      mailclient.MailClient
	platform  platformclient.PlatformClient
	alert     alert.Alert
	zaplog    *zap.Logger
}

type Option func(*service)

func WithMailClient(mail mailclient.MailClient) Option {
	return func(s *service) { s.mail = mail }
}

func WithPlatformClient(platform platformclient.PlatformClient) Option {
	return func(s *service) { s.platform = platform }
}

func WithAlert(alert alert.Alert) Option {
	return func(s *service) { s.alert = alert }
}

func NewService(cfg config.Config, store store.Store, zaplog *zap.Logger, opts ...Option) Service {
	service := &service{
		cfg:       cfg,
		store:     store,
		allocator: allocator.NewAllocator(store),
		zaplog:    zaplog,
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.mail == nil {
		service.mail = mailclient.NewMailClient(cfg.Mail)
	}
	if service.platform == nil {
		service.platform = platformclient.NewPlatformClient(cfg.Platform)
	}
	if service.alert == nil {
		service.alert = alert.NewMailAlert(service.mail, cfg.AdminEmail, zaplog)
	}
	return service
}

// RecordOrder stores the buyer and the order of an incoming event so that later
// deliveries can find the recipient. A customer without email and platform ref
// is not stored; the order is then kept without a customer.
func (service *service) RecordOrder(ctx context.Context, customer model.Customer, order model.Order) (model.Customer, error) {
	if order.PlatformRef == "" || order.Number == "" {
		return model.Customer{}, ErrInsufficientData
	}
	if customer.Email != "" || customer.PlatformRef != "" {
		saved, err := service.store.UpsertCustomer(ctx, customer)
		if err != nil {
			return model.Customer{}, fmt.Errorf("upsert customer: %w", err)
		}
		customer = saved
		order.CustomerID = saved.ID
	}
	if _, err := service.store.UpsertOrder(ctx, order); err != nil {
		return model.Customer{}, fmt.Errorf("upsert order: %w", err)
	}
	return customer, nil
}

func (service *service) ProcessOrder(ctx context.Context, event OrderEvent) (Result, error) {
	if event.ProductRef == "" || event.PlatformOrderRef == "" || event.OrderRef == "" {
		return Result{State: StateNotStarted}, ErrInsufficientData
	}
	zaplog := service.zaplog.With(
		zap.String("product_ref", event.ProductRef),
		zap.String("order", event.OrderRef),
		zap.String("platform_order", event.PlatformOrderRef),
	)

	product, err := service.store.GetProductByPlatformRef(ctx, event.ProductRef)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return Result{State: StateNotStarted}, ErrProductNotConfigured
		}
		return Result{State: StateNotStarted}, fmt.Errorf("get product: %w", err)
	}

	shouldSendNow := event.ShouldSendNow
	if !product.Data.AutoSendOnDeferredPayment {
		shouldSendNow = false
	}

	allocation, err := service.allocator.AllocateForOrder(ctx, allocator.Request{
		ProductID:        product.ID,
		OrderRef:         event.OrderRef,
		PlatformOrderRef: event.PlatformOrderRef,
		Quantity:         event.Quantity,
		VariantRef:       event.VariantRef,
		CustomerRef:      event.Customer.ID,
	})
	if err != nil {
		if errors.Is(err, allocator.ErrNotConfigured) {
			return Result{State: StateNotStarted}, ErrProductNotConfigured
		}
		return Result{State: StateNotStarted}, fmt.Errorf("allocate: %w", err)
	}

	result := Result{Credentials: allocation.Credentials, State: StateKeysReserved}
	if allocation.Partial() {
		// выданные ключи не возвращаются в пул
		result.Shortfall = allocation.Shortfall
		requested := len(allocation.Credentials) + allocation.Shortfall
		if err := service.alert.NotifyOutOfStock(ctx, product.Title, event.OrderRef, len(allocation.Credentials), requested); err != nil {
			zaplog.Error("operator alert failed", zap.Error(err))
		}
		return result, ErrOutOfStock
	}

	if allSent(allocation.Credentials) {
		zaplog.Debug("credentials already delivered")
		result.State = StateSent
		return result, nil
	}

	if !shouldSendNow {
		zaplog.Info("credentials reserved, awaiting payment authorization",
			zap.Int("count", len(allocation.Credentials)))
		result.State = StateAwaitingAuthorization
		return result, nil
	}

	recipient := event.Customer
	if recipient.Email == "" {
		recipient, err = service.resolveCustomer(ctx, allocation.Credentials)
		if err != nil {
			return result, err
		}
	}

	return service.deliver(ctx, product, event.VariantRef, event.OrderRef, event.PlatformOrderRef, recipient, result)
}

// DeliverPending sends the reserved credentials of an order, resolving the customer
// from stored records.
func (service *service) DeliverPending(ctx context.Context, productID string, platformOrderRef string) (Result, error) {
	product, err := service.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return Result{State: StateNotStarted}, ErrProductNotConfigured
		}
		return Result{State: StateNotStarted}, err
	}

	bound, err := service.store.FindBoundToOrder(ctx, productID, platformOrderRef)
	if err != nil {
		return Result{State: StateNotStarted}, err
	}
	if len(bound) == 0 {
		return Result{State: StateNotStarted}, ErrNotFound
	}
	result := Result{Credentials: bound, State: StateKeysReserved}
	if allSent(bound) {
		result.State = StateSent
		return result, nil
	}

	recipient, err := service.resolveCustomer(ctx, bound)
	if err != nil {
		return result, err
	}
	first := bound[0].Data
	return service.deliver(ctx, product, first.ClaimedVariantRef, first.OrderRef, platformOrderRef, recipient, result)
}

// deliver sends one consolidated message for result.Credentials, records the
// outcome and then tries to mark the platform order fulfilled.
func (service *service) deliver(ctx context.Context, product model.DigitalProduct, variantRef string,
	orderRef string, platformOrderRef string, recipient model.Customer, result Result) (Result, error) {
	zaplog := service.zaplog.With(
		zap.String("product", product.Title),
		zap.String("order", orderRef),
		zap.String("platform_order", platformOrderRef),
	)
	result.State = StateSending

	eff, err := service.effective(ctx, product, variantRef)
	if err != nil {
		return result, err
	}
	ids := make([]string, 0, len(result.Credentials))
	keys := make([]string, 0, len(result.Credentials))
	for _, credential := range result.Credentials {
		ids = append(ids, credential.ID)
		keys = append(keys, credential.Key)
	}
	msg := composer.Render(eff, composer.Params{
		CustomerName:  recipient.Name,
		CustomerEmail: recipient.Email,
		ProductTitle:  product.Title,
		OrderNumber:   orderRef,
		Keys:          keys,
	})

	messageID, sendErr := service.mail.Send(ctx, recipient.Email, msg.Subject, msg.HTML)
	if sendErr != nil {
		zaplog.Error("delivery failed", zap.Error(sendErr), zap.Int("count", len(ids)))
		result.State = StateSendFailed
		if err := service.store.MarkDelivery(ctx, ids, model.DeliveryStatusFailed, time.Time{}); err != nil {
			return result, fmt.Errorf("mark delivery failed: %w", err)
		}
		return result, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}

	sentAt := time.Now()
	if err := service.store.MarkDelivery(ctx, ids, model.DeliveryStatusSent, sentAt); err != nil {
		return result, fmt.Errorf("mark delivery sent: %w", err)
	}
	for i := range result.Credentials {
		result.Credentials[i].Data.EmailSent = true
		result.Credentials[i].Data.EmailSentAt = sentAt
		result.Credentials[i].Data.DeliveryStatus = model.DeliveryStatusSent
	}
	result.State = StateSent
	result.MessageID = messageID
	zaplog.Info("credentials delivered", zap.Int("count", len(ids)), zap.String("message_id", messageID))

	if service.fulfill(ctx, platformOrderRef) {
		result.State = StateFulfilled
	}
	return result, nil
}

// fulfill never fails the delivery: the customer already has the goods.
func (service *service) fulfill(ctx context.Context, platformOrderRef string) bool {
	if err := service.platform.FulfillOrder(ctx, platformOrderRef); err != nil {
		service.zaplog.Warn("fulfillment sync failure",
			zap.String("platform_order", platformOrderRef),
			zap.Error(err))
		return false
	}
	return true
}

func (service *service) effective(ctx context.Context, product model.DigitalProduct, variantRef string) (composer.Effective, error) {
	if variantRef == "" {
		return composer.Resolve(product, nil), nil
	}
	override, err := service.store.GetVariantOverride(ctx, product.ID, variantRef)
	if errors.Is(err, store.ErrNoRows) {
		return composer.Resolve(product, nil), nil
	}
	if err != nil {
		return composer.Effective{}, fmt.Errorf("get variant override: %w", err)
	}
	return composer.Resolve(product, &override), nil
}

func allSent(credentials []model.Credential) bool {
	if len(credentials) == 0 {
		return false
	}
	for _, credential := range credentials {
		if !credential.Data.EmailSent {
			return false
		}
	}
	return true
}

func (service *service) ImportKeys(ctx context.Context, productID string, variantRef string, keys []string) (store.ImportResult, error) {
	if _, err := service.store.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return store.ImportResult{}, ErrProductNotConfigured
		}
		return store.ImportResult{}, err
	}
	return service.store.BulkInsert(ctx, productID, variantRef, keys)
}

func (service *service) Stock(ctx context.Context, productID string) (int, error) {
	if _, err := service.store.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return 0, ErrProductNotConfigured
		}
		return 0, err
	}
	return service.store.CountAvailable(ctx, productID)
}

// PendingDeliveries pages through claimed credentials that were never sent.
// limit <= 0 means DefaultPendingLimit; limit is capped at MaxPendingLimit.
func (service *service) PendingDeliveries(ctx context.Context, limit int, offset int) ([]model.Credential, error) {
	switch {
	case limit <= 0:
		limit = DefaultPendingLimit
	case limit > MaxPendingLimit:
		limit = MaxPendingLimit
	}
	if offset < 0 {
		offset = 0
	}
	return service.store.ListPendingDeliveries(ctx, limit, offset)
}
