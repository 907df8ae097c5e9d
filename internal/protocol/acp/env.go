package acp

import (
	"sort"
	"strings"
)

// composeEnv overlays adapter-specific overrides onto the inherited process
// environment. The base is never cleared, so PATH, HOME, and platform
// locators survive and adapters can find their own credentials. An override
// with an empty value is kept: setting a credential variable to "" is how
// an interactive login flow is forced.
func composeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(merged))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
