// Package secrets resolves credential references used in configuration.
//
// A value of the form "keyring:<account>" is read from the OS keychain
// under the "flagkeeper" service, "env:<VAR>" is read from the
// environment, and anything else is returned unchanged.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// Service is the keychain service name for stored credentials.
const Service = "flagkeeper"

const (
	keyringPrefix = "keyring:"
	envPrefix     = "env:"
)

var (
	// ErrSecretNotFound is returned when a referenced secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrEmptyReference is returned for a reference with no name after the
	// prefix.
	ErrEmptyReference = errors.New("empty secret reference")
)

// IsReference reports whether value names a secret instead of holding one.
func IsReference(value string) bool {
	return strings.HasPrefix(value, keyringPrefix) || strings.HasPrefix(value, envPrefix)
}

// Resolve returns the secret value for ref.
func Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, keyringPrefix):
		account := strings.TrimSpace(strings.TrimPrefix(ref, keyringPrefix))
		if account == "" {
			return "", ErrEmptyReference
		}
		value, err := keyring.Get(Service, account)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return "", fmt.Errorf("%w: keyring account %q", ErrSecretNotFound, account)
			}
			return "", fmt.Errorf("keychain error: %w", err)
		}
		return value, nil

	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimSpace(strings.TrimPrefix(ref, envPrefix))
		if name == "" {
			return "", ErrEmptyReference
		}
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, name)
		}
		return value, nil

	default:
		return ref, nil
	}
}

// Store saves a credential in the OS keychain so it can be referenced as
// "keyring:<account>".
func Store(account, value string) error {
	if account == "" {
		return ErrEmptyReference
	}
	if err := keyring.Set(Service, account, value); err != nil {
		return fmt.Errorf("keychain error: %w", err)
	}
	return nil
}
