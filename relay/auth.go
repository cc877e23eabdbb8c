package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/meow-io/go-courier/wire"
)

const tokenLifetime = 30 * 24 * time.Hour

var errUnauthorized = errors.New("relay: unauthorized")

func (s *Server) issueToken(addr wire.Address) (string, error) {
	now := s.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   addr.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	})
	signed, err := token.SignedString(s.tokenKey)
	if err != nil {
		return "", fmt.Errorf("relay: error signing token: %w", err)
	}
	return signed, nil
}

// authenticate resolves the bearer token of req to the device it was issued for.
func (s *Server) authenticate(req *http.Request) (wire.Address, error) {
	header := req.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return wire.Address{}, errUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.tokenKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return wire.Address{}, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	addr, err := wire.ParseAddress(claims.Subject)
	if err != nil {
		return wire.Address{}, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if !s.directory.registered(addr) {
		return wire.Address{}, errUnauthorized
	}
	return addr, nil
}
