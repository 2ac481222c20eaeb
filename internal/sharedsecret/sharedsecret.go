// Package sharedsecret stores the single shared secret that the default
// identify check compares against. It is a thin, named wrapper over
// secrets.Service so the rest of the server never has to know the
// storage name used for this particular value.
package sharedsecret

import (
	"context"

	"distasks/internal/logx"
	"distasks/internal/secrets"
)

const settingName = "shared_secret"

var svc *secrets.Service

// Init sets the secrets service backing shared-secret operations. Must be
// called once during startup before any other function here is used.
func Init(s *secrets.Service) { svc = s }

// Set stores the shared secret.
func Set(ctx context.Context, value string) error {
	if svc == nil {
		return nil
	}
	return svc.Set(ctx, settingName, []byte(value))
}

// Get retrieves the shared secret for internal use, such as comparing
// against an identify payload.
func Get(ctx context.Context) (string, error) {
	if svc == nil {
		return "", nil
	}
	b, err := svc.DecryptForUse(ctx, settingName)
	if err == secrets.ErrNotFound {
		return "", nil
	}
	return string(b), err
}

// Exists reports whether a shared secret is currently configured.
func Exists(ctx context.Context) (bool, error) {
	if svc == nil {
		return false, nil
	}
	return svc.Exists(ctx, settingName)
}

// Clear removes the stored shared secret, disabling the default identify
// check until a new one is set.
func Clear(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	return svc.Delete(ctx, settingName)
}

// ForLog returns the current secret and a redacted version safe for
// structured logging.
func ForLog(ctx context.Context) (secret, redacted string, err error) {
	secret, err = Get(ctx)
	if err != nil {
		return "", "", err
	}
	return secret, logx.Secret(secret), nil
}
