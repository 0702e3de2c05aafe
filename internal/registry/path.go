// Copyright 2025 James Ross
package registry

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvPathVar overrides the registry file location when set.
const EnvPathVar = "HYBRIDRAG_REGISTRY_PATH"

// pointerFile, when present under the user config dir, holds the path
// of the registry file. It lets an operator relocate the registry
// without touching every process's config.
const pointerFile = "hybridrag/registry-pointer"

// ResolvePath picks the registry file location: the env var wins, then
// the pointer file, then the configured default.
func ResolvePath(defaultPath string) string {
	if v := os.Getenv(EnvPathVar); v != "" {
		return v
	}
	if dir, err := os.UserConfigDir(); err == nil {
		if raw, err := os.ReadFile(filepath.Join(dir, pointerFile)); err == nil {
			if p := strings.TrimSpace(string(raw)); p != "" {
				return p
			}
		}
	}
	return defaultPath
}
