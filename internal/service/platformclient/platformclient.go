package platformclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/keydelivery/internal/service/platformclient/config"
)

// JSON заказа платформы (подмножество полей)
type Order struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	Email               string     `json:"email"`
	FinancialStatus     string     `json:"financial_status"`
	FulfillmentStatus   string     `json:"fulfillment_status"`
	Gateway             string     `json:"gateway"`
	PaymentGatewayNames []string   `json:"payment_gateway_names"`
	Customer            *Customer  `json:"customer"`
	LineItems           []LineItem `json:"line_items"`
}

type Customer struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type LineItem struct {
	ProductID int64  `json:"product_id"`
	VariantID int64  `json:"variant_id"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
}

const FinancialStatusPaid = "paid"

// open fulfillment order states
var openStatuses = map[string]bool{
	"open":        true,
	"in_progress": true,
}

var ErrOrderNotFound = errors.New("platform order not found")

type PlatformClient interface {
	GetOrder(ctx context.Context, platformOrderRef string) (Order, error)
	FulfillOrder(ctx context.Context, platformOrderRef string) error
}

type platformClient struct {
	client *resty.Client
}

func NewPlatformClient(cfg config.Config) PlatformClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).
		SetHeader("X-Shopify-Access-Token", cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
	return platformClient{client: client}
}

func (c platformClient) GetOrder(ctx context.Context, platformOrderRef string) (Order, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", numericRef(platformOrderRef)).
		Get("/orders/{id}.json")
	if err != nil {
		return Order{}, err
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		var answer struct {
			Order Order `json:"order"`
		}
		err = json.Unmarshal(resp.Body(), &answer)
		return answer.Order, err
	case http.StatusNotFound:
		return Order{}, ErrOrderNotFound
	default:
		return Order{}, fmt.Errorf("platform order request status: %d", resp.StatusCode())
	}
}

// FulfillOrder fulfills the first open fulfillment order. An order without open
// fulfillment orders is already fulfilled and is not an error.
func (c platformClient) FulfillOrder(ctx context.Context, platformOrderRef string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", numericRef(platformOrderRef)).
		Get("/orders/{id}/fulfillment_orders.json")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fulfillment orders request status: %d", resp.StatusCode())
	}

	var answer struct {
		FulfillmentOrders []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"fulfillment_orders"`
	}
	if err = json.Unmarshal(resp.Body(), &answer); err != nil {
		return err
	}

	var fulfillmentOrderID int64
	for _, fo := range answer.FulfillmentOrders {
		if openStatuses[fo.Status] {
			fulfillmentOrderID = fo.ID
			break
		}
	}
	if fulfillmentOrderID == 0 {
		return nil
	}

	body := map[string]any{
		"fulfillment": map[string]any{
			"notify_customer": false,
			"line_items_by_fulfillment_order": []map[string]any{
				{"fulfillment_order_id": fulfillmentOrderID},
			},
		},
	}
	resp, err = c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/fulfillments.json")
	if err != nil {
		return err
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return nil
	default:
		return fmt.Errorf("fulfillment request status: %d", resp.StatusCode())
	}
}

// numericRef strips a gid://shopify/Order/ prefix or any other non-digits.
func numericRef(ref string) string {
	var sb strings.Builder
	for _, r := range ref {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
