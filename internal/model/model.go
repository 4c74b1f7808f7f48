package model

import "time"

// Каталог цифровых товаров

type Button struct {
	URL   string `yaml:"url" json:"url"`
	Label string `yaml:"label" json:"label"`
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

type DigitalProduct struct {
	ID          string
	PlatformRef string
	Title       string
	Data        DigitalProductData
}

// DigitalProductData holds the optional delivery settings of a product.
// Empty strings and a nil Buttons slice mean "not set".
type DigitalProductData struct {
	EmailTemplate             string
	EmailSubject              string
	Buttons                   []Button
	DownloadURL               string
	DownloadLabel             string
	AutoSendOnDeferredPayment bool
}

type VariantOverride struct {
	ProductID  string
	VariantRef string
	Data       VariantOverrideData
}
type VariantOverrideData struct {
	EmailTemplate string
	Buttons       []Button
	DownloadURL   string
	DownloadLabel string
}

// Ключи

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "PENDING"
	DeliveryStatusSent    DeliveryStatus = "SENT"
	DeliveryStatusFailed  DeliveryStatus = "FAILED"
)

type Credential struct {
	ID        string
	Key       string
	ProductID string
	// VariantRef tags the credential to a dedicated variant pool; empty for generic stock.
	VariantRef string
	CreatedAt  time.Time
	Data       CredentialData
}
type CredentialData struct {
	IsUsed            bool
	UsedAt            time.Time
	OrderRef          string
	PlatformOrderRef  string
	ClaimedVariantRef string
	CustomerRef       string
	EmailSent         bool
	EmailSentAt       time.Time
	DeliveryStatus    DeliveryStatus
}

// Покупатели и заказы

type Customer struct {
	ID          string
	PlatformRef string
	Email       string
	Name        string
}

type Order struct {
	ID          string
	Number      string
	PlatformRef string
	CustomerID  string
	CreatedAt   time.Time
}
