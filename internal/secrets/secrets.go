// Package secrets implements the secret_lookup capability used by source adapters.
//
// Providers are constructed per invocation from config and never cache values,
// so rotated secrets are picked up by the next run of a long-lived server.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

// ErrNotFound is returned when a provider has no value for a name.
var ErrNotFound = errors.New("secret not found")

// Provider resolves secret names to values.
type Provider interface {
	Lookup(name string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	Prefix string
}

// Lookup returns the trimmed value of PREFIX+name.
func (p EnvProvider) Lookup(name string) (string, error) {
	v, ok := os.LookupEnv(p.Prefix + name)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return v, nil
}

// FileProvider reads secrets from files in a directory, one file per secret
// (the layout of Kubernetes and Cloud Run secret volume mounts).
type FileProvider struct {
	Dir string
}

// Lookup returns the trimmed content of Dir/name.
func (p FileProvider) Lookup(name string) (string, error) {
	if strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(p.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", name, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return v, nil
}

// Chain tries providers in order and returns the first value found.
type Chain []Provider

// Lookup returns the first value found. Errors other than ErrNotFound stop the chain.
func (c Chain) Lookup(name string) (string, error) {
	for _, p := range c {
		v, err := p.Lookup(name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Static is an in-memory provider, used for request-scoped overrides and tests.
type Static map[string]string

// Lookup returns the stored value.
func (s Static) Lookup(name string) (string, error) {
	if v, ok := s[name]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// New builds the provider selected by cfg.
func New(cfg config.SecretsConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "env":
		return EnvProvider{Prefix: cfg.Prefix}, nil
	case "file":
		return FileProvider{Dir: cfg.Dir}, nil
	case "chain":
		return Chain{FileProvider{Dir: cfg.Dir}, EnvProvider{Prefix: cfg.Prefix}}, nil
	default:
		return nil, syncerr.Newf(syncerr.KindConfig, "secrets", "unknown provider %q", cfg.Provider)
	}
}

// Require looks up a secret and reports a missing value as a configuration error.
func Require(p Provider, name string) (string, error) {
	if name == "" {
		return "", syncerr.Newf(syncerr.KindConfig, "secrets", "missing secret name")
	}
	v, err := p.Lookup(name)
	if err != nil {
		return "", syncerr.E(syncerr.KindConfig, "secrets", fmt.Errorf("missing secret %s: %w", name, err))
	}
	return v, nil
}

// Optional looks up a secret and returns "" when it is not set.
func Optional(p Provider, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	v, err := p.Lookup(name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
