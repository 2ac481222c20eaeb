// Package secrets provides an encrypted-at-rest name/value store used to
// hold the shared secret behind the default verify_client instantiation.
// Values are protected by envelope encryption: a per-deployment master key
// encrypts each secret, and the master key itself is wrapped either by a
// locally-derived key-encryption-key (the default) or by a real Google
// Cloud KMS key (for deployments that configure one).
package secrets

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"

	settings "distasks/internal/settings"
)

// KeyManager seals and opens secret values under the master key. Manager
// implements it; both Load and LoadKMS return a *Manager.
type KeyManager interface {
	Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error)
	Decrypt(nonce, ciphertext []byte) ([]byte, error)
}

// Manager provides envelope encryption using a single AES-256-GCM master key.
type Manager struct {
	aead cipher.AEAD
}

// New creates a Manager from a raw 32-byte key.
func New(key []byte) (*Manager, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("key must be at least 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Manager{aead: aead}, nil
}

// Encrypt seals plaintext using AES-256-GCM and returns nonce and ciphertext.
func (m *Manager) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, m.aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = m.aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext with the given nonce.
func (m *Manager) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	return m.aead.Open(nil, nonce, ciphertext, nil)
}

const (
	nodeKeyEnv        = "DISTASKS_NODE_KEY"
	wrappedKeySetting = "crypto.wrapped_mk"
	kdfParamsSetting  = "crypto.kdf_params"
	kmsKeySetting     = "crypto.kms_key_name"

	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	saltSize            = 16
)

type kdfParams struct {
	Salt string `json:"salt"`
}

type wrappedKey struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Load derives an encryption key for the shared-secret vault and returns a
// Manager over the resulting master key.
//
// If a KMS key resource name is configured (app_settings key
// "crypto.kms_key_name", set once by an operator via Configure), the wrapped
// master key is unwrapped through a real Cloud KMS call instead of a local
// key-encryption-key; see LoadKMS. Otherwise the default local path derives
// the key-encryption-key from DISTASKS_NODE_KEY via argon2id.
//
// On first boot a new 32-byte master key is generated, wrapped, and
// persisted to app_settings.
func Load(ctx context.Context, db *sql.DB) (*Manager, error) {
	store := settings.New(db)
	kmsKeyName, err := store.Get(ctx, kmsKeySetting)
	if err != nil {
		return nil, err
	}
	if kmsKeyName != "" {
		return LoadKMS(ctx, db, kmsKeyName)
	}

	nodeKey := os.Getenv(nodeKeyEnv)
	if len(nodeKey) < 16 {
		return nil, errors.New("DISTASKS_NODE_KEY must be at least 16 characters")
	}
	if len(nodeKey) < 32 {
		log.Warn().Int("length", len(nodeKey)).Msg("DISTASKS_NODE_KEY appears weak")
	}

	paramsStr, err := store.Get(ctx, kdfParamsSetting)
	if err != nil {
		return nil, err
	}
	wrappedStr, err := store.Get(ctx, wrappedKeySetting)
	if err != nil {
		return nil, err
	}

	var mk []byte

	if paramsStr == "" || wrappedStr == "" {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		kek := argon2.IDKey([]byte(nodeKey), salt, argonTime, argonMemory, argonThreads, 32)
		wrapper, err := New(kek)
		if err != nil {
			return nil, err
		}
		mk = make([]byte, 32)
		if _, err := rand.Read(mk); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		nonce, ct, err := wrapper.Encrypt(mk)
		if err != nil {
			return nil, err
		}
		if err := persistWrappedKey(ctx, store, salt, nonce, ct); err != nil {
			return nil, err
		}
	} else {
		var params kdfParams
		if err := json.Unmarshal([]byte(paramsStr), &params); err != nil {
			return nil, fmt.Errorf("parse kdf params: %w", err)
		}
		salt, err := base64.StdEncoding.DecodeString(params.Salt)
		if err != nil {
			return nil, fmt.Errorf("decode salt: %w", err)
		}
		kek := argon2.IDKey([]byte(nodeKey), salt, argonTime, argonMemory, argonThreads, 32)
		wrapper, err := New(kek)
		if err != nil {
			return nil, err
		}
		var wk wrappedKey
		if err := json.Unmarshal([]byte(wrappedStr), &wk); err != nil {
			return nil, fmt.Errorf("parse wrapped key: %w", err)
		}
		nonce, ct, err := decodeWrappedKey(wk)
		if err != nil {
			return nil, err
		}
		mk, err = wrapper.Decrypt(nonce, ct)
		if err != nil {
			if strings.Contains(err.Error(), "authentication failed") {
				return nil, fmt.Errorf("unwrap master key: authentication failed")
			}
			return nil, fmt.Errorf("unwrap master key: %w", err)
		}
	}

	return verifySentinel(mk)
}

func persistWrappedKey(ctx context.Context, store *settings.Store, salt, nonce, ct []byte) error {
	wk := wrappedKey{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}
	wkJSON, _ := json.Marshal(wk)
	paramsJSON, _ := json.Marshal(kdfParams{Salt: base64.StdEncoding.EncodeToString(salt)})
	if err := store.Set(ctx, wrappedKeySetting, string(wkJSON)); err != nil {
		return err
	}
	return store.Set(ctx, kdfParamsSetting, string(paramsJSON))
}

func decodeWrappedKey(wk wrappedKey) (nonce, ciphertext []byte, err error) {
	nonce, err = base64.StdEncoding.DecodeString(wk.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err = base64.StdEncoding.DecodeString(wk.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return nonce, ciphertext, nil
}

// verifySentinel round-trips a fixed plaintext through mk to catch a wrong
// key early, with a clear error, rather than surfacing a confusing failure
// the first time a real secret is decrypted.
func verifySentinel(mk []byte) (*Manager, error) {
	m, err := New(mk)
	if err != nil {
		return nil, err
	}
	nonce, ct, err := m.Encrypt([]byte("sentinel"))
	if err != nil {
		return nil, fmt.Errorf("sentinel encrypt: %w", err)
	}
	pt, err := m.Decrypt(nonce, ct)
	if err != nil {
		if strings.Contains(err.Error(), "authentication failed") {
			return nil, fmt.Errorf("sentinel decrypt: authentication failed")
		}
		return nil, fmt.Errorf("sentinel decrypt: %w", err)
	}
	if !bytes.Equal(pt, []byte("sentinel")) {
		return nil, errors.New("sentinel mismatch")
	}
	return m, nil
}

// Rewrap decrypts the stored master key using the current DISTASKS_NODE_KEY
// and re-encrypts it with a key derived from newNodeKey, updating the
// stored wrapped key and KDF parameters.
func Rewrap(ctx context.Context, db *sql.DB, newNodeKey string) error {
	if len(newNodeKey) < 16 {
		return errors.New("new node key must be at least 16 characters")
	}
	oldNodeKey := os.Getenv(nodeKeyEnv)
	if len(oldNodeKey) < 16 {
		return errors.New("current DISTASKS_NODE_KEY is invalid or missing")
	}
	store := settings.New(db)
	paramsStr, err := store.Get(ctx, kdfParamsSetting)
	if err != nil {
		return err
	}
	wrappedStr, err := store.Get(ctx, wrappedKeySetting)
	if err != nil {
		return err
	}
	if paramsStr == "" || wrappedStr == "" {
		return errors.New("master key not initialized")
	}
	var params kdfParams
	if err := json.Unmarshal([]byte(paramsStr), &params); err != nil {
		return fmt.Errorf("parse kdf params: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(params.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	oldKEK := argon2.IDKey([]byte(oldNodeKey), salt, argonTime, argonMemory, argonThreads, 32)
	oldWrapper, err := New(oldKEK)
	if err != nil {
		return err
	}
	var wk wrappedKey
	if err := json.Unmarshal([]byte(wrappedStr), &wk); err != nil {
		return fmt.Errorf("parse wrapped key: %w", err)
	}
	nonce, ct, err := decodeWrappedKey(wk)
	if err != nil {
		return err
	}
	mk, err := oldWrapper.Decrypt(nonce, ct)
	if err != nil {
		return fmt.Errorf("unwrap master key: %w", err)
	}

	newSalt := make([]byte, saltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	newKEK := argon2.IDKey([]byte(newNodeKey), newSalt, argonTime, argonMemory, argonThreads, 32)
	newWrapper, err := New(newKEK)
	if err != nil {
		return err
	}
	newNonce, newCT, err := newWrapper.Encrypt(mk)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	newWK := wrappedKey{
		Nonce:      base64.StdEncoding.EncodeToString(newNonce),
		Ciphertext: base64.StdEncoding.EncodeToString(newCT),
	}
	wkJSON, _ := json.Marshal(newWK)
	paramsJSON, _ := json.Marshal(kdfParams{Salt: base64.StdEncoding.EncodeToString(newSalt)})
	if _, err := tx.ExecContext(ctx, `INSERT INTO app_settings(key, value) VALUES(?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`, wrappedKeySetting, string(wkJSON)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO app_settings(key, value) VALUES(?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`, kdfParamsSetting, string(paramsJSON)); err != nil {
		return err
	}
	return tx.Commit()
}

// HealthStatus reports whether a wrapped master key exists and the
// algorithms in use.
type HealthStatus struct {
	KeyWrapped bool   `json:"key_wrapped"`
	KDF        string `json:"kdf"`
	AEAD       string `json:"aead"`
}

// Health reports the current wrapping status.
func Health(ctx context.Context, db *sql.DB) (HealthStatus, error) {
	store := settings.New(db)
	wrapped, err := store.Get(ctx, wrappedKeySetting)
	if err != nil {
		return HealthStatus{}, err
	}
	kmsKeyName, err := store.Get(ctx, kmsKeySetting)
	if err != nil {
		return HealthStatus{}, err
	}
	status := HealthStatus{AEAD: "aes-gcm"}
	if kmsKeyName != "" {
		status.KDF = "kms"
	} else {
		status.KDF = "argon2id"
	}
	if wrapped != "" {
		status.KeyWrapped = true
	}
	return status, nil
}
