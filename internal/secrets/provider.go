// Package secrets resolves upstream tool credentials by key. Agents never
// see these values; only adapters do, at invocation time.
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Provider resolves a credential by key, e.g. "serpapi.api_key".
type Provider interface {
	Resolve(key string) (string, error)
}

// ErrNotFound is returned wrapped when a key cannot be resolved.
type notFoundError struct{ key string }

func (e *notFoundError) Error() string { return fmt.Sprintf("secret not found: %s", e.key) }

// IsNotFound reports whether err is a missing-secret error.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}

// EnvProvider maps "serpapi.api_key" to the SERPAPI_API_KEY environment
// variable.
type EnvProvider struct{}

func (EnvProvider) Resolve(key string) (string, error) {
	name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", &notFoundError{key: key}
}

// StaticProvider serves secrets from a fixed map. Used in tests and as an
// override layer in front of another provider.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
	next   Provider // optional fallback
}

// NewStaticProvider creates a provider over the given map. next may be nil.
func NewStaticProvider(values map[string]string, next Provider) *StaticProvider {
	if values == nil {
		values = make(map[string]string)
	}
	return &StaticProvider{values: values, next: next}
}

func (p *StaticProvider) Resolve(key string) (string, error) {
	p.mu.RLock()
	v, ok := p.values[key]
	p.mu.RUnlock()
	if ok {
		return v, nil
	}
	if p.next != nil {
		return p.next.Resolve(key)
	}
	return "", &notFoundError{key: key}
}

// Set adds or replaces a secret.
func (p *StaticProvider) Set(key, value string) {
	p.mu.Lock()
	p.values[key] = value
	p.mu.Unlock()
}
