// Package payment decides whether an order event may release its keys now.
package payment

import "strings"

type Method int

const (
	MethodUnknown Method = iota
	// Direct methods confirm payment at checkout.
	MethodDirect
	// Manual methods are confirmed later by the merchant (invoice, bank transfer).
	MethodManual
)

const financialStatusPaid = "paid"

var separators = strings.NewReplacer("_", " ", "-", " ")

// Matched by substring against the lower-cased gateway name. Manual entries are
// checked first so that e.g. "paypal invoice" counts as manual.
var gateways = []struct {
	fragment string
	method   Method
}{
	{"invoice", MethodManual},
	{"rechnung", MethodManual},
	{"vorkasse", MethodManual},
	{"bank transfer", MethodManual},
	{"bank deposit", MethodManual},
	{"manual", MethodManual},
	{"cash on delivery", MethodManual},
	{"nachnahme", MethodManual},

	{"shopify payments", MethodDirect},
	{"shop pay", MethodDirect},
	{"credit card", MethodDirect},
	{"visa", MethodDirect},
	{"mastercard", MethodDirect},
	{"maestro", MethodDirect},
	{"american express", MethodDirect},
	{"amex", MethodDirect},
	{"paypal", MethodDirect},
	{"stripe", MethodDirect},
	{"klarna", MethodDirect},
	{"apple pay", MethodDirect},
	{"google pay", MethodDirect},
	{"sofort", MethodDirect},
	{"giropay", MethodDirect},
	{"card", MethodDirect},
	{"bogus", MethodDirect},
}

// Gateway picks the gateway name from the order's gateway list, falling back to
// the legacy single gateway field.
func Gateway(gatewayNames []string, legacy string) string {
	if len(gatewayNames) > 0 && gatewayNames[0] != "" {
		return strings.ToLower(gatewayNames[0])
	}
	if legacy != "" {
		return strings.ToLower(legacy)
	}
	return "unknown"
}

// Classify maps a gateway name to its payment method. Platform names come as
// "shopify_payments" or "bank-transfer", so separators are read as spaces.
func Classify(gateway string) Method {
	gateway = separators.Replace(strings.ToLower(gateway))
	for _, g := range gateways {
		if strings.Contains(gateway, g.fragment) {
			return g.method
		}
	}
	return MethodUnknown
}

// ShouldSendNow: unpaid orders never send. Paid direct payments send on any event,
// manual and unknown methods only on an update event (the merchant marked them paid).
func ShouldSendNow(financialStatus string, gateway string, isUpdateEvent bool) bool {
	if financialStatus != financialStatusPaid {
		return false
	}
	switch Classify(gateway) {
	case MethodDirect:
		return true
	default:
		return isUpdateEvent
	}
}
