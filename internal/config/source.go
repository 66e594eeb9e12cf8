package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Flag source kinds.
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
	SourceObject   = "object"
)

// SourceConfig selects where flag definitions are loaded from at startup.
type SourceConfig struct {
	Kind string `envconfig:"KIND" default:"file" validate:"oneof=file postgres object"`

	// Path is the definitions file for the "file" source (.json, .yaml or .yml).
	Path string `envconfig:"PATH" default:"flags.yaml"`

	// ObjectKey is the definitions object for the "object" source.
	ObjectKey string `envconfig:"OBJECT_KEY" default:"flags.json"`
}

// Validate checks the source settings for the selected kind.
func (s *SourceConfig) Validate() error {
	switch s.Kind {
	case SourceFile:
		if err := validateDefinitionsName(s.Path, "source path"); err != nil {
			return err
		}
	case SourceObject:
		if err := validateDefinitionsName(s.ObjectKey, "source object key"); err != nil {
			return err
		}
	}
	return nil
}

func validateDefinitionsName(name, field string) error {
	if err := validateNoWhitespace(name, field); err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return nil
	default:
		return fmt.Errorf("%s must end in .json, .yaml or .yml, got %q", field, name)
	}
}

// ObjectStoreConfig contains S3-compatible storage settings (MinIO, AWS S3).
type ObjectStoreConfig struct {
	Endpoint  string `envconfig:"ENDPOINT"`
	Region    string `envconfig:"REGION" default:"us-east-1"`
	Bucket    string `envconfig:"BUCKET" default:"bifrost"`
	AccessKey string `envconfig:"ACCESS_KEY"`
	SecretKey string `envconfig:"SECRET_KEY"`
	UseSSL    bool   `envconfig:"USE_SSL" default:"true"`
}

// Validate checks the object store settings.
func (o *ObjectStoreConfig) Validate(environment string) error {
	if err := validateHost(o.Endpoint, "object store"); err != nil {
		return err
	}
	if err := validateNoWhitespace(o.Bucket, "object store bucket"); err != nil {
		return err
	}
	if o.AccessKey == "" || o.SecretKey == "" {
		return fmt.Errorf("object store access key and secret key are required")
	}
	if environment == EnvironmentProduction && !o.UseSSL {
		return fmt.Errorf("object store SSL must be enabled in production environment")
	}
	return nil
}
