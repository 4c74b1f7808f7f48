package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/keydelivery/internal/token"
)

type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

const (
	// AdminSubjectKey carries the verified token subject to the wrapped handler.
	AdminSubjectKey = "X-Admin-Subject"
	bearerPrefix    = "Bearer "
)

var ErrNoToken = errors.New("missing bearer token")

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение администратора
		subject, err := a.getSubject(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем; значение от клиента не доверяется
		r.Header.Set(AdminSubjectKey, subject)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getSubject(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrNoToken
	}
	return token.GetSubject(a.secret, strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
}
