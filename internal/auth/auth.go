package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/storewallet/internal/token"
)

type Auth interface {
	Middleware(h http.Handler) http.Handler
	Token() *token.Token
}

type ctxKey string

const (
	userCodeKey     ctxKey = "userCode"
	cookieUserToken        = "storeWalletToken"
)

var ErrNoToken = errors.New("no token")

type auth struct {
	token *token.Token
}

func NewAuth(token *token.Token) Auth {
	return &auth{token: token}
}

func (a *auth) Token() *token.Token {
	return a.token
}

func (a *auth) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// получение id пользователя
		userCode, err := a.getUserCode(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(WithUserCode(r.Context(), userCode)))
	})
}

func (a *auth) getUserCode(r *http.Request) (string, error) {
	var tokenString string

	// куки пользователя или заголовок Authorization
	if tokenCookie, err := r.Cookie(cookieUserToken); err == nil {
		tokenString = tokenCookie.Value
	} else if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		tokenString = bearer
	}
	if tokenString == "" {
		return "", ErrNoToken
	}
	return a.token.GetUserCode(tokenString)
}

func WithUserCode(ctx context.Context, userCode string) context.Context {
	return context.WithValue(ctx, userCodeKey, userCode)
}

// UserCode - пользователь запроса, установленный Middleware
func UserCode(ctx context.Context) string {
	userCode, _ := ctx.Value(userCodeKey).(string)
	return userCode
}
