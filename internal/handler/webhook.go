package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/payment"
	"github.com/iurnickita/keydelivery/internal/service"
	"github.com/iurnickita/keydelivery/internal/service/platformclient"
)

const (
	HeaderSignature = "X-Shopify-Hmac-Sha256"
	HeaderTopic     = "X-Shopify-Topic"

	TopicOrdersCreate  = "orders/create"
	TopicOrdersUpdated = "orders/updated"
	TopicOrdersPaid    = "orders/paid"
)

var ErrBadSignature = errors.New("webhook signature mismatch")

type LineItemJSONResponse struct {
	ProductRef string `json:"product_ref"`
	VariantRef string `json:"variant_ref,omitempty"`
	State      string `json:"state"`
	Delivered  int    `json:"delivered"`
	Shortfall  int    `json:"shortfall,omitempty"`
	Error      string `json:"error,omitempty"`
}

type OrderEventJSONResponse struct {
	Order string                 `json:"order"`
	Items []LineItemJSONResponse `json:"items"`
}

// PostOrderEvent accepts an order webhook from the commerce platform. Business
// outcomes (out of stock, failed delivery) answer 200: the operator is alerted and
// retries go through the sweep or the admin API. Infrastructure errors answer 500
// so that the platform redelivers the event; processing is idempotent.
func (h *handler) PostOrderEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.verifySignature(body, r.Header.Get(HeaderSignature)); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var order platformclient.Order
	if err = json.Unmarshal(body, &order); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if order.ID == 0 {
		http.Error(w, service.ErrInsufficientData.Error(), http.StatusBadRequest)
		return
	}

	topic := r.Header.Get(HeaderTopic)
	isUpdate := topic == TopicOrdersUpdated || topic == TopicOrdersPaid
	platformOrderRef := strconv.FormatInt(order.ID, 10)
	orderRef := order.Name
	if orderRef == "" {
		orderRef = "#" + platformOrderRef
	}
	zaplog := h.zaplog.With(
		zap.String("topic", topic),
		zap.String("order", orderRef),
		zap.String("platform_order", platformOrderRef))

	customer, err := h.service.RecordOrder(r.Context(), eventCustomer(order),
		model.Order{Number: orderRef, PlatformRef: platformOrderRef})
	if err != nil {
		zaplog.Error("record order", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	gateway := payment.Gateway(order.PaymentGatewayNames, order.Gateway)
	shouldSendNow := payment.ShouldSendNow(order.FinancialStatus, gateway, isUpdate)
	zaplog.Debug("order event",
		zap.String("financial_status", order.FinancialStatus),
		zap.String("gateway", gateway),
		zap.Bool("send_now", shouldSendNow))

	response := OrderEventJSONResponse{Order: orderRef, Items: make([]LineItemJSONResponse, 0, len(order.LineItems))}
	failed := false
	for _, item := range order.LineItems {
		event := service.OrderEvent{
			ProductRef:       ref(item.ProductID),
			OrderRef:         orderRef,
			PlatformOrderRef: platformOrderRef,
			Customer:         customer,
			Quantity:         item.Quantity,
			VariantRef:       ref(item.VariantID),
			ShouldSendNow:    shouldSendNow,
		}
		res, err := h.service.ProcessOrder(r.Context(), event)

		itemJSON := LineItemJSONResponse{
			ProductRef: event.ProductRef,
			VariantRef: event.VariantRef,
			State:      string(res.State),
			Delivered:  delivered(res.Credentials),
			Shortfall:  res.Shortfall,
		}
		if err != nil {
			itemJSON.Error = err.Error()
			switch {
			case errors.Is(err, service.ErrProductNotConfigured):
				zaplog.Info("product not configured, line item skipped", zap.String("product_ref", event.ProductRef))
			case errors.Is(err, service.ErrInsufficientData):
				zaplog.Debug("line item without product, skipped", zap.String("title", item.Title))
			case errors.Is(err, service.ErrOutOfStock),
				errors.Is(err, service.ErrDeliveryFailed),
				errors.Is(err, service.ErrCustomerEmailUnresolved):
				zaplog.Warn("line item not delivered", zap.String("product_ref", event.ProductRef), zap.Error(err))
			default:
				zaplog.Error("process line item", zap.String("product_ref", event.ProductRef), zap.Error(err))
				failed = true
			}
		}
		response.Items = append(response.Items, itemJSON)
	}

	if failed {
		http.Error(w, "order event processing failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, response)
}

func (h *handler) verifySignature(body []byte, signature string) error {
	if h.webhookSecret == "" {
		return nil
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

func eventCustomer(order platformclient.Order) model.Customer {
	var customer model.Customer
	customer.Email = order.Email
	if order.Customer != nil {
		if order.Customer.ID != 0 {
			customer.PlatformRef = ref(order.Customer.ID)
		}
		if customer.Email == "" {
			customer.Email = order.Customer.Email
		}
		customer.Name = strings.TrimSpace(order.Customer.FirstName + " " + order.Customer.LastName)
	}
	return customer
}

func ref(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func delivered(credentials []model.Credential) int {
	n := 0
	for _, credential := range credentials {
		if credential.Data.EmailSent {
			n++
		}
	}
	return n
}
