// Package auth implements the relay's shared-secret access control.
//
// When token checking is enabled, clients present the secret in the join
// message; the comparison happens before any room state is touched.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier compares a client-supplied access token against the configured
// shared secret in constant time.
//
// A disabled verifier (Required=false) accepts everything, which reproduces
// the open-relay deployment mode.
type TokenVerifier struct {
	Required bool
	Secret   string
}

func (v TokenVerifier) Verify(token string) error {
	if !v.Required {
		return nil
	}
	if token == "" || v.Secret == "" {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Secret)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
