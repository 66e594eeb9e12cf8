package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"
)

// ControlPlaneConfig configures the flag management and rollback API.
type ControlPlaneConfig struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"8080"`

	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s" validate:"min=1s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" validate:"min=1s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s" validate:"min=1s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1024"`

	// APIKeyHash is the hex SHA-256 of the X-API-Key operators present.
	// Requests are not authenticated when it is empty, which production rejects.
	APIKeyHash string `envconfig:"API_KEY_HASH"`

	TLSEnabled bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCert    string `envconfig:"TLS_CERT_FILE"`
	TLSKey     string `envconfig:"TLS_KEY_FILE"`
}

// Addr is the listen address of the control API.
func (c *ControlPlaneConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// AuthEnabled reports whether requests must carry a valid API key.
func (c *ControlPlaneConfig) AuthEnabled() bool {
	return c.APIKeyHash != ""
}

// Validate checks listener, authentication and TLS settings.
func (c *ControlPlaneConfig) Validate(environment string) error {
	if err := validateHost(c.Host, "control plane"); err != nil {
		return err
	}
	if err := validatePort(c.Port, "control plane"); err != nil {
		return err
	}

	if c.AuthEnabled() {
		if err := validateSHA256Hash(c.APIKeyHash); err != nil {
			return fmt.Errorf("invalid control plane API key hash: %w", err)
		}
	}

	if c.TLSEnabled && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("control plane TLS enabled but cert or key file not specified")
	}

	if environment == EnvironmentProduction {
		if !c.AuthEnabled() {
			return errors.New("control plane API key hash is required in production environment")
		}
		if !c.TLSEnabled {
			return errors.New("control plane TLS must be enabled in production environment")
		}
	}
	return nil
}

// validateSHA256Hash accepts exactly 64 hexadecimal characters.
func validateSHA256Hash(hash string) error {
	if len(hash) != hex.EncodedLen(32) {
		return fmt.Errorf("SHA-256 hash must be 64 characters, got %d", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("hash must be valid hexadecimal: %w", err)
	}
	return nil
}
