package mailclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/keydelivery/internal/service/mailclient/config"
)

func TestSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/emails", r.URL.Path)
		require.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg-1"}`))
	}))
	defer srv.Close()

	client := NewMailClient(config.Config{APIURL: srv.URL, APIKey: "re_test", From: "shop@example.com", Timeout: time.Second})
	id, err := client.Send(context.Background(), "ada@example.com", "Your key", "<p>KEY</p>")
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.Equal(t, sendRequest{
		From:    "shop@example.com",
		To:      []string{"ada@example.com"},
		Subject: "Your key",
		HTML:    "<p>KEY</p>",
	}, got)
}

func TestSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"domain not verified"}`))
	}))
	defer srv.Close()

	client := NewMailClient(config.Config{APIURL: srv.URL, Timeout: time.Second})
	_, err := client.Send(context.Background(), "ada@example.com", "s", "h")
	require.ErrorContains(t, err, "422")
}

func TestSendNoRecipient(t *testing.T) {
	client := NewMailClient(config.Config{APIURL: "http://127.0.0.1:0"})
	_, err := client.Send(context.Background(), " ", "s", "h")
	require.ErrorIs(t, err, ErrNoRecipient)
}
