// Package composer renders delivery messages from stored templates.
//
// Everything here is a pure function of its inputs: no store, no clock, no
// network. Identical inputs give byte-identical output.
package composer

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/iurnickita/keydelivery/internal/model"
)

// Template variables understood by the built-in template.
const (
	VarCustomerName    = "customer_name"
	VarCustomerEmail   = "customer_email"
	VarProductTitle    = "product_title"
	VarOrderNumber     = "order_number"
	VarLicenseKey      = "license_key"
	VarLicenseCount    = "license_count"
	VarDownloadButtons = "download_buttons"
	VarDownloadURL     = "download_url"
)

const DefaultSubject = "Your license key for {{ product_title }}"

const DefaultTemplate = `Hello {{ customer_name }},

thank you for your order {{ order_number }}!

Here is your license key for {{ product_title }}:
{{ license_key }}

{{ download_buttons }}

Enjoy!`

const defaultButtonColor = "#2563eb"

// Only the two spellings {{ name }} and {{name}} are placeholders.
var placeholder = regexp.MustCompile(`\{\{(?: ([A-Za-z0-9_]+) |([A-Za-z0-9_]+))\}\}`)

// Substitute replaces known placeholders in a single pass; substituted values
// are not scanned again. Unknown placeholders stay verbatim.
func Substitute(template string, variables map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		groups := placeholder.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		if value, ok := variables[name]; ok {
			return value
		}
		return match
	})
}

// Compose substitutes variables and converts newlines to <br/>.
func Compose(template string, variables map[string]string) string {
	body := Substitute(template, variables)
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.ReplaceAll(body, "\n", "<br/>")
}

// Effective is the template and button set chosen for one message.
type Effective struct {
	Template      string
	Subject       string
	Buttons       []model.Button
	DownloadURL   string
	DownloadLabel string
}

// Resolve picks variant override, then product default, then the built-in template.
// override may be nil.
func Resolve(product model.DigitalProduct, override *model.VariantOverride) Effective {
	eff := Effective{
		Template:      product.Data.EmailTemplate,
		Subject:       product.Data.EmailSubject,
		Buttons:       product.Data.Buttons,
		DownloadURL:   product.Data.DownloadURL,
		DownloadLabel: product.Data.DownloadLabel,
	}
	if override != nil {
		if strings.TrimSpace(override.Data.EmailTemplate) != "" {
			eff.Template = override.Data.EmailTemplate
		}
		if len(override.Data.Buttons) > 0 || override.Data.DownloadURL != "" {
			eff.Buttons = override.Data.Buttons
			eff.DownloadURL = override.Data.DownloadURL
			eff.DownloadLabel = override.Data.DownloadLabel
		}
	}
	if strings.TrimSpace(eff.Template) == "" {
		eff.Template = DefaultTemplate
	}
	if strings.TrimSpace(eff.Subject) == "" {
		eff.Subject = DefaultSubject
	}
	return eff
}

// RenderButtons renders every button as a link. With no buttons, a single legacy
// download URL becomes one link; with neither, the result is empty.
func RenderButtons(buttons []model.Button, downloadURL string, downloadLabel string) string {
	if len(buttons) == 0 {
		if downloadURL == "" {
			return ""
		}
		return renderButton(model.Button{URL: downloadURL, Label: downloadLabel})
	}
	var sb strings.Builder
	for _, button := range buttons {
		if button.URL == "" {
			continue
		}
		sb.WriteString(renderButton(button))
	}
	return sb.String()
}

func renderButton(button model.Button) string {
	label := button.Label
	if label == "" {
		label = "Download"
	}
	color := button.Color
	if color == "" {
		color = defaultButtonColor
	}
	return fmt.Sprintf(`<p><a href="%s" style="display:inline-block;padding:12px 24px;background-color:%s;color:#ffffff;text-decoration:none;border-radius:4px;font-weight:bold;">%s</a></p>`,
		html.EscapeString(button.URL), html.EscapeString(color), html.EscapeString(label))
}

// Message is a composed, ready to send message.
type Message struct {
	Subject string
	HTML    string
}

// Params are the per-order values of one message.
type Params struct {
	CustomerName  string
	CustomerEmail string
	ProductTitle  string
	OrderNumber   string
	Keys          []string
}

// Variables builds the substitution map. Text values are HTML escaped, button
// markup is inserted as is.
func Variables(eff Effective, params Params) map[string]string {
	keys := make([]string, 0, len(params.Keys))
	for _, key := range params.Keys {
		keys = append(keys, html.EscapeString(key))
	}
	return map[string]string{
		VarCustomerName:    html.EscapeString(params.CustomerName),
		VarCustomerEmail:   html.EscapeString(params.CustomerEmail),
		VarProductTitle:    html.EscapeString(params.ProductTitle),
		VarOrderNumber:     html.EscapeString(params.OrderNumber),
		VarLicenseKey:      strings.Join(keys, "\n"),
		VarLicenseCount:    fmt.Sprint(len(keys)),
		VarDownloadButtons: RenderButtons(eff.Buttons, eff.DownloadURL, eff.DownloadLabel),
		VarDownloadURL:     html.EscapeString(eff.DownloadURL),
	}
}

// Render composes one consolidated message listing all keys.
func Render(eff Effective, params Params) Message {
	vars := Variables(eff, params)
	return Message{
		Subject: html.UnescapeString(Substitute(eff.Subject, vars)),
		HTML:    Compose(eff.Template, vars),
	}
}
