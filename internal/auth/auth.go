// Package auth provides the default identify-payload verifier: a shared
// secret compared against a "pwd" field, constant-time, the same check
// original_source's pwd_checker performed.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"

	"distasks/internal/session"
)

// SecretGetter returns the currently configured shared secret, or an empty
// string if none is set.
type SecretGetter func(ctx context.Context) (string, error)

type identifyPwd struct {
	Pwd string `json:"pwd"`
}

// ErrNoSecretConfigured is returned by SharedSecretVerifier's VerifyFunc
// when no shared secret has been set — every identify attempt is rejected
// until an operator configures one.
var ErrNoSecretConfigured = errors.New("no shared secret configured")

// SharedSecretVerifier builds a session.VerifyFunc that accepts an
// identify payload only if its "pwd" field matches the secret returned by
// get, compared in constant time.
func SharedSecretVerifier(get SecretGetter) session.VerifyFunc {
	return func(identify json.RawMessage) (bool, error) {
		want, err := get(context.Background())
		if err != nil {
			return false, err
		}
		if want == "" {
			return false, ErrNoSecretConfigured
		}
		var payload identifyPwd
		if err := json.Unmarshal(identify, &payload); err != nil {
			return false, nil
		}
		match := subtle.ConstantTimeCompare([]byte(payload.Pwd), []byte(want)) == 1
		return match, nil
	}
}

// AllowAll is a VerifyFunc that accepts every client. It exists for local
// development and tests where no shared secret is configured.
func AllowAll(json.RawMessage) (bool, error) { return true, nil }
