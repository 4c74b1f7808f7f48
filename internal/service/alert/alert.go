package alert

import (
	"context"
	"fmt"
	"html"

	"go.uber.org/zap"

	"github.com/iurnickita/keydelivery/internal/service/mailclient"
)

type Alert interface {
	NotifyOutOfStock(ctx context.Context, productTitle string, orderNumber string, claimed int, requested int) error
}

type mailAlert struct {
	mail   mailclient.MailClient
	to     string
	zaplog *zap.Logger
}

// NewMailAlert sends operator alerts by mail to the given address. With an empty
// address alerts are only logged.
func NewMailAlert(mail mailclient.MailClient, to string, zaplog *zap.Logger) Alert {
	return &mailAlert{mail: mail, to: to, zaplog: zaplog}
}

func (a *mailAlert) NotifyOutOfStock(ctx context.Context, productTitle string, orderNumber string, claimed int, requested int) error {
	a.zaplog.Error("credential pool exhausted",
		zap.String("product", productTitle),
		zap.String("order", orderNumber),
		zap.Int("claimed", claimed),
		zap.Int("requested", requested),
	)
	if a.to == "" {
		return nil
	}

	subject := fmt.Sprintf("Out of license keys: %s", productTitle)
	body := fmt.Sprintf("<p>The pool for <strong>%s</strong> is empty.</p>"+
		"<p>Order %s received %d of %d keys. Restock the pool and re-trigger delivery.</p>",
		html.EscapeString(productTitle), html.EscapeString(orderNumber), claimed, requested)

	_, err := a.mail.Send(ctx, a.to, subject, body)
	return err
}
