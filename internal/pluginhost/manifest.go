package pluginhost

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/npratt/sidecar/internal/events"
)

const (
	manifestFilename   = "manifest.json"
	defaultPriority    = 50
	defaultTimeoutMs   = 5000
	minPriority        = 0
	maxPriority        = 100
)

// manifestFile is the on-disk shape of a plugin manifest, before defaults
// are applied and the directory is stamped onto it.
type manifestFile struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Main         string         `json:"main"`
	Dependencies []string       `json:"dependencies"`
	Priority     *int           `json:"priority"`
	TimeoutMs    *int64         `json:"timeoutMs"`
	Capabilities []string       `json:"capabilities"`
	Config       map[string]any `json:"config"`
}

// Discover scans dir for immediate subdirectories containing a well-formed
// manifest.json. Invalid manifests are skipped with a diagnostic logged;
// one plugin's discovery failure never aborts discovery of the rest.
func Discover(dir string, logger *slog.Logger) []events.PluginManifest {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if logger != nil {
			logger.Warn("pluginhost: discovery directory unreadable", "dir", dir, "error", err)
		}
		return nil
	}

	var found []events.PluginManifest
	seen := map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(pluginDir, manifestFilename)

		m, err := loadManifest(manifestPath, pluginDir)
		if err != nil {
			if logger != nil {
				logger.Warn("pluginhost: skipping invalid manifest", "dir", pluginDir, "error", err)
			}
			continue
		}
		if seen[m.Name] {
			if logger != nil {
				logger.Warn("pluginhost: duplicate plugin name, skipping", "name", m.Name, "dir", pluginDir)
			}
			continue
		}
		seen[m.Name] = true
		found = append(found, m)
	}
	return found
}

func loadManifest(path, dir string) (events.PluginManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return events.PluginManifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return events.PluginManifest{}, fmt.Errorf("parse manifest: %w", err)
	}

	if mf.Name == "" || mf.Version == "" || mf.Main == "" {
		return events.PluginManifest{}, fmt.Errorf("manifest missing required field (name/version/main)")
	}

	priority := defaultPriority
	if mf.Priority != nil {
		priority = *mf.Priority
	}
	if priority < minPriority || priority > maxPriority {
		return events.PluginManifest{}, fmt.Errorf("priority %d out of range [0,100]", priority)
	}

	timeoutMs := int64(defaultTimeoutMs)
	if mf.TimeoutMs != nil {
		timeoutMs = *mf.TimeoutMs
	}

	return events.PluginManifest{
		Name:         mf.Name,
		Version:      mf.Version,
		EntryPoint:   filepath.Join(dir, mf.Main),
		Dependencies: mf.Dependencies,
		Priority:     priority,
		TimeoutMs:    timeoutMs,
		Capabilities: mf.Capabilities,
		Config:       mf.Config,
		Dir:          dir,
	}, nil
}
