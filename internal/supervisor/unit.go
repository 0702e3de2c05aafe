// Copyright 2025 James Ross
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hybridrag/hybridrag/internal/registry"
)

const unitTemplate = `[Unit]
Description=HybridRAG watcher daemon for %%i
After=network.target

[Service]
Type=simple
ExecStart=%s %%i
Restart=on-failure
RestartSec=10

[Install]
WantedBy=multi-user.target
`

// InstallPersistentUnit writes a systemd template unit
// (hybridrag-watcher@.service) that invokes Start(name) on boot via the
// daemon binary directly; the contract is restart-with-10s-delay and
// "enable" causes the daemon to run across reboots, not any specific
// unit syntax.
func (s *Supervisor) InstallPersistentUnit(unitDir string) (string, error) {
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return "", fmt.Errorf("supervisor: mkdir unit dir: %w", err)
	}
	path := filepath.Join(unitDir, "hybridrag-watcher@.service")
	content := fmt.Sprintf(unitTemplate, s.daemonPath)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("supervisor: write unit: %w", err)
	}
	return path, nil
}

// UnitName returns the parameterized instance name for a database, e.g.
// hybridrag-watcher@mydb.service, for callers that shell out to
// systemctl enable/start.
func UnitName(name registry.Name) string {
	return fmt.Sprintf("hybridrag-watcher@%s.service", name)
}
