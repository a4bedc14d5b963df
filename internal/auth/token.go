// Package auth extracts identity claims from the session bearer token.
// Token issuance and validation are server-side; the client only reads
// claims out of a token it already holds.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload issued by the session service.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// ErrNoUserID is returned when the token carries no user_id claim.
var ErrNoUserID = errors.New("token has no user_id claim")

// Parse decodes the claims from a bearer token without verifying the
// signature (the server is the verifier; we only need the identity).
func Parse(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, ErrNoUserID
	}
	return claims, nil
}
