// Package catalog loads the product catalog file and applies it to the store.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iurnickita/keydelivery/internal/model"
)

// Catalog is the YAML catalog file.
type Catalog struct {
	Products []Product `yaml:"products"`
}

type Product struct {
	PlatformRef   string         `yaml:"platform_ref"`
	Title         string         `yaml:"title"`
	EmailSubject  string         `yaml:"email_subject,omitempty"`
	EmailTemplate string         `yaml:"email_template,omitempty"`
	Buttons       []model.Button `yaml:"buttons,omitempty"`
	DownloadURL   string         `yaml:"download_url,omitempty"`
	DownloadLabel string         `yaml:"download_label,omitempty"`
	// AutoSendOnDeferredPayment defaults to true when omitted.
	AutoSendOnDeferredPayment *bool     `yaml:"auto_send_on_deferred_payment,omitempty"`
	Variants                  []Variant `yaml:"variants,omitempty"`
}

type Variant struct {
	VariantRef    string         `yaml:"variant_ref"`
	EmailTemplate string         `yaml:"email_template,omitempty"`
	Buttons       []model.Button `yaml:"buttons,omitempty"`
	DownloadURL   string         `yaml:"download_url,omitempty"`
	DownloadLabel string         `yaml:"download_label,omitempty"`
}

var ErrInvalid = errors.New("invalid catalog")

// Load reads and validates a catalog file. Unknown fields are rejected.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

func Parse(r io.Reader) (Catalog, error) {
	var catalog Catalog
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&catalog); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

func (c Catalog) Validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Products {
		if p.PlatformRef == "" {
			return fmt.Errorf("%w: product %d: platform_ref is required", ErrInvalid, i)
		}
		if p.Title == "" {
			return fmt.Errorf("%w: product %s: title is required", ErrInvalid, p.PlatformRef)
		}
		if seen[p.PlatformRef] {
			return fmt.Errorf("%w: product %s listed twice", ErrInvalid, p.PlatformRef)
		}
		seen[p.PlatformRef] = true

		variants := make(map[string]bool)
		for _, v := range p.Variants {
			if v.VariantRef == "" {
				return fmt.Errorf("%w: product %s: variant_ref is required", ErrInvalid, p.PlatformRef)
			}
			if variants[v.VariantRef] {
				return fmt.Errorf("%w: product %s: variant %s listed twice", ErrInvalid, p.PlatformRef, v.VariantRef)
			}
			variants[v.VariantRef] = true
		}
	}
	return nil
}

func (p Product) Model() model.DigitalProduct {
	autoSend := true
	if p.AutoSendOnDeferredPayment != nil {
		autoSend = *p.AutoSendOnDeferredPayment
	}
	return model.DigitalProduct{
		PlatformRef: p.PlatformRef,
		Title:       p.Title,
		Data: model.DigitalProductData{
			EmailTemplate:             p.EmailTemplate,
			EmailSubject:              p.EmailSubject,
			Buttons:                   p.Buttons,
			DownloadURL:               p.DownloadURL,
			DownloadLabel:             p.DownloadLabel,
			AutoSendOnDeferredPayment: autoSend,
		},
	}
}

func (v Variant) Model(productID string) model.VariantOverride {
	return model.VariantOverride{
		ProductID:  productID,
		VariantRef: v.VariantRef,
		Data: model.VariantOverrideData{
			EmailTemplate: v.EmailTemplate,
			Buttons:       v.Buttons,
			DownloadURL:   v.DownloadURL,
			DownloadLabel: v.DownloadLabel,
		},
	}
}

// Store is the part of the store the catalog writes to.
type Store interface {
	UpsertProduct(ctx context.Context, product model.DigitalProduct) (model.DigitalProduct, error)
	UpsertVariantOverride(ctx context.Context, override model.VariantOverride) error
}

type ApplyReport struct {
	Products []model.DigitalProduct
	Variants int
}

// Apply upserts every product and variant override of the catalog.
// Products are matched by platform ref, so applying the same file twice is a no-op.
func Apply(ctx context.Context, store Store, catalog Catalog) (ApplyReport, error) {
	var report ApplyReport
	for _, p := range catalog.Products {
		saved, err := store.UpsertProduct(ctx, p.Model())
		if err != nil {
			return report, fmt.Errorf("upsert product %s: %w", p.PlatformRef, err)
		}
		report.Products = append(report.Products, saved)

		for _, v := range p.Variants {
			if err := store.UpsertVariantOverride(ctx, v.Model(saved.ID)); err != nil {
				return report, fmt.Errorf("upsert variant %s/%s: %w", p.PlatformRef, v.VariantRef, err)
			}
			report.Variants++
		}
	}
	return report, nil
}
