package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * 24 * time.Hour

	tokenIssuer   = "courier-engine"
	tokenAudience = "courier-api"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDeviceName    = errors.New("device name must be provided")

	// ErrInvalidLinkCode indicates that a device presented the wrong link code.
	ErrInvalidLinkCode = errors.New("auth: invalid device link code")
)

// DeviceTokenIssuerConfig configures the device session token issuer.
type DeviceTokenIssuerConfig struct {
	SigningSecret []byte
	LinkCode      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DeviceTokenIssuer issues and validates the bearer tokens that guard the
// engine's local API. A device obtains its token once by presenting the
// account's link code.
type DeviceTokenIssuer struct {
	signingSecret []byte
	linkCode      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewDeviceTokenIssuer constructs an issuer with sane defaults.
func NewDeviceTokenIssuer(cfg DeviceTokenIssuerConfig) *DeviceTokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DeviceTokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		linkCode:      cfg.LinkCode,
		tokenTTL:      ttl,
		clock:         clock,
	}
}

// LinkDevice verifies the link code and issues a signed session token plus
// its expiry in seconds for the named device.
func (i *DeviceTokenIssuer) LinkDevice(_ context.Context, linkCode, deviceName string) (string, int64, error) {
	if len(i.signingSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if deviceName == "" {
		return "", 0, errMissingDeviceName
	}
	if i.linkCode == "" || linkCode != i.linkCode {
		return "", 0, ErrInvalidLinkCode
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   deviceName,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the session token is well formed and returns the
// device name it was issued to.
func (i *DeviceTokenIssuer) ValidateToken(tokenString string) (string, error) {
	if len(i.signingSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingDeviceName
	}
	return claims.Subject, nil
}
