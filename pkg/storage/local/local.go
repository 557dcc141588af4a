// Package local handles local filesystem storage operations for backup artifacts.
package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// Client represents a local filesystem client
type Client struct {
	stagingRoot string
}

// FileInfo describes one artifact found on disk
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// NewClient creates a client that stages s3:// locations under stagingRoot
func NewClient(stagingRoot string) *Client {
	return &Client{stagingRoot: stagingRoot}
}

// StagingRoot returns the directory s3:// locations are staged under
func (c *Client) StagingRoot() string {
	return c.stagingRoot
}

// Resolve parses a storage location descriptor
func (c *Client) Resolve(storageLocation string) (storage.Location, error) {
	return storage.ParseLocation(storageLocation, c.stagingRoot)
}

// EnsureBackupPath ensures the artifact directory for a tenant's config exists
func (c *Client) EnsureBackupPath(loc storage.Location, tenantID, configID string) (string, error) {
	backupDir := loc.ArtifactDir(tenantID, configID)

	if err := os.MkdirAll(backupDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create backup directory %s: %w", backupDir, err)
	}

	return backupDir, nil
}

// Remove deletes an artifact. It reports false without error when the file is already gone.
func (c *Client) Remove(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove artifact %s: %w", path, err)
	}
	return true, nil
}

// ListArtifacts walks root and returns every regular file below it
func (c *Client) ListArtifacts(root string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

// RecordBackupMetrics records the artifact size gauge for a config
func RecordBackupMetrics(backupPath, backupType, configID string) error {
	fileInfo, err := os.Stat(backupPath)
	if err != nil {
		return fmt.Errorf("failed to stat backup file: %w", err)
	}

	metrics.BackupSize.WithLabelValues(backupType, configID).Set(float64(fileInfo.Size()))
	return nil
}
