// Package db owns the sqlite-backed ambient storage this server uses
// alongside the flat-file progress store: the shared-secret vault and the
// optional completion log. It is never used for progress itself — that
// stays a plain text file per the wire format.
package db

import "database/sql"

// Init ensures the baseline tables this package's sibling packages depend
// on immediately (app_settings, secrets) exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS secrets (
		name TEXT PRIMARY KEY,
		nonce BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}
