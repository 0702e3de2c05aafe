// Copyright 2025 James Ross
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hybridrag/hybridrag/internal/registry"
)

// fileBasedHandle probes path readability and walks the working
// directory for per-file sizes, per the data model's file-based Metrics
// contract.
type fileBasedHandle struct {
	entry registry.DatabaseEntry
}

func NewFileBasedHandle(_ context.Context, entry registry.DatabaseEntry) (StorageHandle, error) {
	return &fileBasedHandle{entry: entry}, nil
}

func (h *fileBasedHandle) HealthProbe(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	_, err := os.Stat(h.entry.Path)
	status := HealthStatus{CheckedAt: time.Now(), ConnectionLatency: time.Since(start)}
	if err != nil {
		status.Connected = false
		status.Error = err.Error()
		return status, nil
	}
	status.Connected = true
	return status, nil
}

func (h *fileBasedHandle) Metrics(ctx context.Context) (StorageMetrics, error) {
	m := StorageMetrics{BackendType: registry.BackendFileBased, FileSizes: map[string]int64{}}
	warnFileMB := h.entry.BackendConfig.FileSizeWarningMB
	warnTotalMB := h.entry.BackendConfig.TotalSizeWarningMB

	err := filepath.WalkDir(h.entry.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		m.FileSizes[path] = info.Size()
		m.TotalSize += info.Size()
		if warnFileMB > 0 && info.Size() > int64(warnFileMB)*1024*1024 {
			m.Warnings = append(m.Warnings, fmt.Sprintf("%s exceeds file_size_warning_mb (%d MB)", path, warnFileMB))
		}
		return nil
	})
	if err != nil {
		m.Connected = false
		m.Warnings = append(m.Warnings, err.Error())
		return m, nil
	}
	m.Connected = true
	if warnTotalMB > 0 && m.TotalSize > int64(warnTotalMB)*1024*1024 {
		m.Warnings = append(m.Warnings, fmt.Sprintf("total size exceeds total_size_warning_mb (%d MB)", warnTotalMB))
	}
	return m, nil
}

func (h *fileBasedHandle) Close() error { return nil }
