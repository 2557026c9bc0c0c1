// Package secrets provides a thread-safe secret vault with hot reload support.
// PlanLoom keeps rotatable credentials here (the API key hash and the LLM
// gateway key) so a SIGHUP can swap them without a restart.
package secrets

import (
	"fmt"
	"strings"
	"sync"
)

// Secret keys PlanLoom reads from the environment.
const (
	KeyAPIKeyHash = "PLANLOOM_API_KEY_HASH"
	KeyLLMMaster  = "LITELLM_MASTER_KEY"
	KeyMCPAPIKey  = "PLANLOOM_MCP_API_KEY"
)

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values: vals,
		loader: loader,
	}, nil
}

// NewFromEnv creates a Vault over PlanLoom's known secret env vars.
func NewFromEnv() (*Vault, error) {
	return NewVault(EnvLoader(KeyAPIKeyHash, KeyLLMMaster, KeyMCPAPIKey))
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// APIKeyHash returns the bcrypt hash the auth middleware verifies against.
func (v *Vault) APIKeyHash() string { return v.Get(KeyAPIKeyHash) }

// LLMMasterKey returns the bearer key for the LLM gateway.
func (v *Vault) LLMMasterKey() string { return v.Get(KeyLLMMaster) }

// MCPAPIKey returns the bearer key guarding the MCP transport. Empty means
// the MCP server runs unauthenticated.
func (v *Vault) MCPAPIKey() string { return v.Get(KeyMCPAPIKey) }

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

// Keys returns the names of all loaded secrets.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys
}

// Redacted returns a masked rendering of the secret: the first two characters
// followed by ****, or **** alone for secrets of four characters or fewer.
// Missing keys render as an empty string.
func (v *Vault) Redacted(key string) string {
	val := v.Get(key)
	return mask(val)
}

// RedactString replaces every known secret value occurring in s with its
// masked rendering. Secrets shorter than four characters are left alone to
// avoid mangling ordinary text.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, val := range v.values {
		if len(val) <= 4 {
			continue
		}
		s = strings.ReplaceAll(s, val, mask(val))
	}
	return s
}

func mask(val string) string {
	switch {
	case val == "":
		return ""
	case len(val) <= 4:
		return "****"
	default:
		return val[:2] + "****"
	}
}
