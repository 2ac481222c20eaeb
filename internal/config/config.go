// Package config defines the server and worker configuration shapes and
// validates them the way the rest of this codebase validates any
// inbound struct: github.com/go-playground/validator/v10 struct tags.
package config

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"distasks/internal/dispatch"
)

var validate = validator.New()

// Config is the server-side configuration for a dispatcher-backed
// distasks deployment.
type Config struct {
	AssetZipPath string `validate:"required"`
	Version      string `validate:"required"`
	SaveFilename string
	StartAt      uint64
	APIEnabled   bool

	GetJob       dispatch.JobSource                                     `validate:"required"`
	VerifyClient func(identify json.RawMessage) (bool, error)           `validate:"-"`
	OnComplete   func(task dispatch.Task, result json.RawMessage) (bool, error) `validate:"-"`

	ReconcileInterval string // parsed as a Go duration, e.g. "5s"; empty means the default
	ListenAddr        string `validate:"required"`
}

// WorkerConfig is the worker-side configuration for connecting to a
// distasks server, checking for updates, and running assigned tasks.
type WorkerConfig struct {
	Host          string `validate:"required"`
	Name          string `validate:"required"`
	UseHTTP       bool
	VersionFile   string         `validate:"required"`
	TaskAssetsDir string         `validate:"required"`
	IdentifyExtra map[string]any `validate:"-"`
	AlwaysUpdate  bool
}

// Validate runs struct-tag validation and returns a field->tag map on
// failure, which the cmd binaries log before exiting.
func Validate(v interface{}) (map[string]string, error) {
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
			return fields, errors.New("validation failed")
		}
		return nil, err
	}
	return nil, nil
}
