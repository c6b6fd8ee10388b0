// Package userconfig resolves, caches, and protects per-user addon
// configurations. Each configuration carries an encrypted upstream
// credential and a one-way key hash used for ownership checks.
package userconfig

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no configuration exists for a user ID.
	ErrNotFound = errors.New("configuration not found")
	// ErrOwnershipMismatch is returned when a caller's key hash does not
	// match the target configuration's hash. It is deliberately distinct
	// from ErrNotFound so handlers can answer 403 instead of 404.
	ErrOwnershipMismatch = errors.New("configuration ownership mismatch")
	// ErrDecryptFailed marks an undecryptable credential. Permanent for the
	// affected configuration; never cached negatively.
	ErrDecryptFailed = errors.New("credential decryption failed")
)

// Catalog is one user-defined catalog: a typed, named filter set rendered
// into the addon manifest in order.
type Catalog struct {
	ID      string            `json:"id" yaml:"id"`
	Type    string            `json:"type" yaml:"type"`
	Name    string            `json:"name" yaml:"name"`
	Filters map[string]string `json:"filters" yaml:"filters"`
}

// Preferences are per-user presentation settings.
type Preferences struct {
	Language     string `json:"language"`
	IncludeAdult bool   `json:"includeAdult"`
	PosterSource string `json:"posterSource"`
}

// Config is a stored per-user configuration. APIKeyIDHash never changes for
// the lifetime of a configuration; rotating the upstream credential forces
// a new UserID.
type Config struct {
	UserID          string      `json:"userId" db:"user_id"`
	APIKeyIDHash    string      `json:"-" db:"api_key_id_hash"`
	EncryptedAPIKey []byte      `json:"-" db:"encrypted_api_key"`
	Catalogs        []Catalog   `json:"catalogs" db:"-"`
	Preferences     Preferences `json:"preferences" db:"-"`
	ConfigName      string      `json:"configName" db:"config_name"`
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time   `json:"updatedAt" db:"updated_at"`
}
