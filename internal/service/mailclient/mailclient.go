package mailclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/keydelivery/internal/service/mailclient/config"
)

var ErrNoRecipient = errors.New("no recipient")

type MailClient interface {
	Send(ctx context.Context, to string, subject string, html string) (string, error)
}

type mailClient struct {
	client *resty.Client
	from   string
}

func NewMailClient(cfg config.Config) MailClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
	return mailClient{client: client, from: cfg.From}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Send returns the provider message id.
func (c mailClient) Send(ctx context.Context, to string, subject string, html string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", ErrNoRecipient
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(sendRequest{From: c.from, To: []string{to}, Subject: subject, HTML: html}).
		Post("/emails")
	if err != nil {
		return "", err
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		var answer struct {
			ID string `json:"id"`
		}
		if err = json.Unmarshal(resp.Body(), &answer); err != nil {
			return "", err
		}
		return answer.ID, nil
	default:
		return "", fmt.Errorf("mail request status: %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
}
