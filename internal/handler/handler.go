package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/keydelivery/internal/auth"
	"github.com/iurnickita/keydelivery/internal/gzip"
	"github.com/iurnickita/keydelivery/internal/handler/config"
	"github.com/iurnickita/keydelivery/internal/logger"
	"github.com/iurnickita/keydelivery/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, cfg.WebhookSecret, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	zaplog.Info("server started", zap.String("addr", cfg.ServerAddr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	auth          auth.Auth
	service       service.Service
	webhookSecret string
	zaplog        *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, webhookSecret string, zaplog *zap.Logger) *handler {
	return &handler{
		auth:          auth,
		service:       service,
		webhookSecret: webhookSecret,
		zaplog:        zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	// платформа подписывает сырое тело, поэтому вебхук без gzip
	mux.HandleFunc("POST /api/webhooks/orders", logger.RequestLogMdlw(h.PostOrderEvent, h.zaplog))

	mux.HandleFunc("POST /api/admin/credentials/{id}/resend", h.admin(h.PostResend))
	mux.HandleFunc("POST /api/admin/products/{id}/keys", h.admin(h.PostKeys))
	mux.HandleFunc("GET /api/admin/products/{id}/stock", h.admin(h.GetStock))
	mux.HandleFunc("GET /api/admin/deliveries/pending", h.admin(h.GetPendingDeliveries))

	return mux
}

func (h *handler) admin(fn http.HandlerFunc) http.HandlerFunc {
	return gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(fn), h.zaplog))
}

type ResendJSONResponse struct {
	CredentialID string `json:"credential_id"`
	Status       string `json:"status"`
}

func (h *handler) PostResend(w http.ResponseWriter, r *http.Request) {
	credentialID := r.PathValue("id")

	err := h.service.ResendDelivery(r.Context(), credentialID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, service.ErrCustomerEmailUnresolved):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrDeliveryFailed):
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	h.writeJSON(w, ResendJSONResponse{CredentialID: credentialID, Status: "SENT"})
}

type PostKeysJSONResponse struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// PostKeys imports newline-separated keys; ?variant= tags them to a variant pool.
func (h *handler) PostKeys(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	keys := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")

	res, err := h.service.ImportKeys(r.Context(), r.PathValue("id"), r.URL.Query().Get("variant"), keys)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProductNotConfigured):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	h.zaplog.Info("keys imported",
		zap.String("product", r.PathValue("id")),
		zap.String("admin", r.Header.Get(auth.AdminSubjectKey)),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates))
	h.writeJSON(w, PostKeysJSONResponse{Inserted: res.Inserted, Duplicates: res.Duplicates})
}

type GetStockJSONResponse struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
}

func (h *handler) GetStock(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("id")

	available, err := h.service.Stock(r.Context(), productID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProductNotConfigured):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	h.writeJSON(w, GetStockJSONResponse{ProductID: productID, Available: available})
}

type PendingDeliveryJSONResponse struct {
	CredentialID     string    `json:"credential_id"`
	ProductID        string    `json:"product_id"`
	OrderRef         string    `json:"order_ref"`
	PlatformOrderRef string    `json:"platform_order_ref"`
	ClaimedAt        time.Time `json:"claimed_at"`
	DeliveryStatus   string    `json:"delivery_status"`
}

// GetPendingDeliveries lists claimed but unsent credentials, ?limit=&offset= page through them.
func (h *handler) GetPendingDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pending, err := h.service.PendingDeliveries(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	pendingJSON := make([]PendingDeliveryJSONResponse, 0, len(pending))
	for _, credential := range pending {
		pendingJSON = append(pendingJSON, PendingDeliveryJSONResponse{
			CredentialID:     credential.ID,
			ProductID:        credential.ProductID,
			OrderRef:         credential.Data.OrderRef,
			PlatformOrderRef: credential.Data.PlatformOrderRef,
			ClaimedAt:        credential.Data.UsedAt,
			DeliveryStatus:   string(credential.Data.DeliveryStatus),
		})
	}
	h.writeJSON(w, pendingJSON)
}

// queryInt reads an optional non-negative integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJSON)
}
