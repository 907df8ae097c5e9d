package plugins

// CatalogEntry describes a known adapter plugin: how its installed binary
// is invoked in ACP mode and which environment keys it honors.
type CatalogEntry struct {
	PluginID    string
	DisplayName string
	// LatestVersion is the version the catalog currently ships; used by
	// update checks without touching the network.
	LatestVersion string
	// Args are appended after the resolved binary path.
	Args []string
	// Env overlays the inherited environment. Empty values are meaningful:
	// clearing a credential variable forces an interactive login flow.
	Env map[string]string
}

// catalog is the static registry of known adapters.
var catalog = map[string]CatalogEntry{
	"claude-code": {
		PluginID:      "claude-code",
		DisplayName:   "Claude Code",
		LatestVersion: "2.1.0",
		Args:          []string{"--acp"},
	},
	"codex": {
		PluginID:      "codex",
		DisplayName:   "Codex CLI",
		LatestVersion: "0.48.0",
		Args:          []string{"acp"},
	},
	"gemini": {
		PluginID:      "gemini",
		DisplayName:   "Gemini CLI",
		LatestVersion: "0.11.0",
		Args:          []string{"--experimental-acp"},
	},
	"mock": {
		PluginID:      "mock",
		DisplayName:   "Mock Agent",
		LatestVersion: "0.0.1",
	},
}

// Lookup returns the catalog entry for a plugin id.
func Lookup(pluginID string) (CatalogEntry, bool) {
	entry, ok := catalog[pluginID]
	return entry, ok
}

// Known returns all catalog entries.
func Known() []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(catalog))
	for _, entry := range catalog {
		entries = append(entries, entry)
	}
	return entries
}
