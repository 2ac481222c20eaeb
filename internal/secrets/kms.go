package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"

	settings "distasks/internal/settings"
)

// LoadKMS unwraps (or, on first boot, wraps and stores) the master key
// using the named Cloud KMS key resource, e.g.
// "projects/p/locations/global/keyRings/r/cryptoKeys/k".
func LoadKMS(ctx context.Context, db *sql.DB, keyName string) (*Manager, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create kms client: %w", err)
	}
	defer client.Close()

	store := settings.New(db)
	wrappedStr, err := store.Get(ctx, wrappedKeySetting)
	if err != nil {
		return nil, err
	}

	if wrappedStr == "" {
		mk := make([]byte, 32)
		if _, err := rand.Read(mk); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		encResp, err := client.Encrypt(ctx, &kmspb.EncryptRequest{
			Name:      keyName,
			Plaintext: mk,
		})
		if err != nil {
			return nil, fmt.Errorf("kms encrypt: %w", err)
		}
		wk := wrappedKey{Ciphertext: base64.StdEncoding.EncodeToString(encResp.Ciphertext)}
		wkJSON, err := json.Marshal(wk)
		if err != nil {
			return nil, err
		}
		if err := store.Set(ctx, wrappedKeySetting, string(wkJSON)); err != nil {
			return nil, err
		}
		if err := store.Set(ctx, kmsKeySetting, keyName); err != nil {
			return nil, err
		}
		return verifySentinel(mk)
	}

	var wk wrappedKey
	if err := json.Unmarshal([]byte(wrappedStr), &wk); err != nil {
		return nil, fmt.Errorf("parse wrapped key: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wk.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	decResp, err := client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       keyName,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	return verifySentinel(decResp.Plaintext)
}

// Configure stores the Cloud KMS key resource name to use for future Load
// calls; an empty name selects the local argon2id path. It does not
// re-wrap a master key that is already stored: Load then tries to unwrap
// that key with the newly selected path, which fails for a key wrapped by
// the other one.
func Configure(ctx context.Context, db *sql.DB, keyName string) error {
	store := settings.New(db)
	return store.Set(ctx, kmsKeySetting, keyName)
}
