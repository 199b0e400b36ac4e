// Package token выпускает и проверяет JWT пользователя.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("token secret is not set")
)

const TokenExp = 24 * time.Hour

type Claims struct {
	jwt.RegisteredClaims
	UserCode  string `json:"user"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

type Token struct {
	secret []byte
}

// NewToken - пустой ключ не допускается: такой подписью может воспользоваться кто угодно
func NewToken(secret string) (*Token, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Token{secret: []byte(secret)}, nil
}

// BuildJWTString создаёт токен пользователя
func (t *Token) BuildJWTString(userCode string, anonymous bool) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenExp)),
		},
		UserCode:  userCode,
		Anonymous: anonymous,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse проверяет подпись и срок действия токена
func (t *Token) Parse(tokenString string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tk.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserCode == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// GetUserCode возвращает код пользователя из токена
func (t *Token) GetUserCode(tokenString string) (string, error) {
	claims, err := t.Parse(tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserCode, nil
}
