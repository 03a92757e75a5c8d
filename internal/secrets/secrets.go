// ABOUTME: Secret resolution for provider credential references
// ABOUTME: Profiles store an opaque reference; a Source turns it into the raw secret

package secrets

import (
	"errors"
	"fmt"
	"os"
)

// ErrNotFound is returned when a credential reference resolves to nothing.
var ErrNotFound = errors.New("secret not found")

// Source resolves an opaque credential reference to the raw secret value.
// Provider profiles persist only the reference; the secret itself never
// touches the database.
type Source interface {
	Resolve(ref string) (string, error)
}

// EnvSource resolves references as environment variable names.
type EnvSource struct{}

// Resolve looks the reference up in the process environment. An empty
// reference resolves to an empty secret, for backends that don't
// authenticate.
func (EnvSource) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	value, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("resolving %q: %w", ref, ErrNotFound)
	}
	return value, nil
}

// StaticSource resolves references from a fixed map. Intended for tests.
type StaticSource map[string]string

func (s StaticSource) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	value, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("resolving %q: %w", ref, ErrNotFound)
	}
	return value, nil
}
