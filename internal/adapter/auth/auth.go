// Package auth verifies the credentials a device presents at
// handshake. The account service mints HS256 tokens whose subject is
// the owner id; the device id and roles ride along as custom claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/op"
)

// ErrUnauthorized covers every verification failure. Callers must not
// leak the underlying cause to the device.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Claims is the identity bound to a session after verification.
type Claims struct {
	OwnerID  string
	DeviceID string
	Roles    []string
}

// HasRole reports whether the token carried the named role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier turns a bearer token into session claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// JWT validates HS256 tokens. With DevMode set, tokens of the form
// "dev:<owner>:<device>" are accepted unverified; never enable it
// outside local development.
type JWT struct {
	secret  []byte
	devMode bool
}

func NewJWT(secret string, devMode bool) *JWT {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - dev: tokens bypass signature verification")
	}
	return &JWT{secret: []byte(secret), devMode: devMode}
}

func (j *JWT) Verify(ctx context.Context, token string) (Claims, error) {
	if j.devMode {
		if c, ok := parseDevToken(token); ok {
			log.Debug().Str("ownerId", c.OwnerID).Str("deviceId", c.DeviceID).Msg("using dev token")
			return c, nil
		}
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.secret, nil
	})
	if err != nil || !t.Valid {
		log.Warn().Err(err).Msg("jwt validation failed")
		return Claims{}, ErrUnauthorized
	}

	out := Claims{}
	if s, ok := claims["sub"].(string); ok {
		out.OwnerID = s
	}
	if s, ok := claims["device_id"].(string); ok {
		out.DeviceID = s
	}
	if rs, ok := claims["roles"].([]any); ok {
		for _, r := range rs {
			if s, ok := r.(string); ok {
				out.Roles = append(out.Roles, s)
			}
		}
	}

	if out.OwnerID == "" {
		log.Warn().Msg("token has no subject")
		return Claims{}, ErrUnauthorized
	}
	if err := op.ValidateDeviceID(out.DeviceID); err != nil {
		log.Warn().Err(err).Msg("token has no usable device id")
		return Claims{}, ErrUnauthorized
	}
	return out, nil
}

func parseDevToken(token string) (Claims, bool) {
	rest, ok := strings.CutPrefix(token, "dev:")
	if !ok {
		return Claims{}, false
	}
	owner, device, ok := strings.Cut(rest, ":")
	if !ok || owner == "" || op.ValidateDeviceID(device) != nil {
		return Claims{}, false
	}
	return Claims{OwnerID: owner, DeviceID: device}, true
}

// Mint signs a token for the given identity. The account service owns
// minting in production; this is here for dev tooling and tests.
func (j *JWT) Mint(ownerID, deviceID string, roles []string, expiresAt int64) (string, error) {
	claims := jwt.MapClaims{
		"sub":       ownerID,
		"device_id": deviceID,
		"exp":       expiresAt,
	}
	if len(roles) > 0 {
		rs := make([]any, len(roles))
		for i, r := range roles {
			rs[i] = r
		}
		claims["roles"] = rs
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}
