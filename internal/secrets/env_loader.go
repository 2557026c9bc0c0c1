package secrets

import (
	"os"
	"strings"
)

// EnvLoader returns a Loader backed by the process environment. Unset or
// empty variables are omitted rather than reported as empty strings, so the
// config-file fallback in the caller still applies.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			v := strings.TrimSpace(os.Getenv(k))
			if v == "" {
				continue
			}
			vals[k] = v
		}
		return vals, nil
	}
}
