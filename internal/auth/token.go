// Package auth issues and verifies driver tokens. A driver token binds one
// order id to the driver role so that only the assigned delivery agent can
// join a room as its publisher.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid driver token")
	ErrOrderMismatch = errors.New("driver token is for a different order")
)

const issuer = "ordertrack"

// Claims are the custom claims of a driver token.
type Claims struct {
	jwt.RegisteredClaims
	OrderID string `json:"order_id"`
	Role    string `json:"role"`
}

type DriverTokens struct {
	secret []byte
	now    func() time.Time
}

// NewDriverTokens returns nil when secret is empty, which disables the check.
func NewDriverTokens(secret string) *DriverTokens {
	if secret == "" {
		return nil
	}
	return &DriverTokens{secret: []byte(secret), now: time.Now}
}

// Issue signs a token allowing the holder to drive orderID until ttl elapses.
func (d *DriverTokens) Issue(orderID, driverID string, ttl time.Duration) (string, error) {
	now := d.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   driverID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrderID: orderID,
		Role:    "driver",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
	if err != nil {
		return "", fmt.Errorf("signing driver token: %w", err)
	}
	return token, nil
}

// Verify checks token and that it grants the driver role for orderID. A nil
// *DriverTokens accepts everything.
func (d *DriverTokens) Verify(token, orderID string) (*Claims, error) {
	if d == nil {
		return nil, nil
	}
	if token == "" {
		return nil, fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return d.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(d.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Role != "driver" {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	if claims.OrderID != orderID {
		return nil, ErrOrderMismatch
	}
	return claims, nil
}
