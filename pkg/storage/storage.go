// Package storage resolves backup storage locations into local directories and offsite targets.
package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const s3Scheme = "s3://"

// Location is a parsed storage descriptor. LocalDir is always set; Bucket is set
// only for s3:// descriptors, in which case LocalDir is the staging directory.
type Location struct {
	Raw      string
	LocalDir string
	Bucket   string
	Prefix   string
}

// Remote reports whether artifacts are also copied offsite
func (l Location) Remote() bool {
	return l.Bucket != ""
}

// ObjectKey builds the S3 key for an artifact of the given tenant and config
func (l Location) ObjectKey(tenantID, configID, fileName string) string {
	return path.Join(l.Prefix, tenantID, configID, fileName)
}

// ArtifactDir returns the local directory holding a config's artifacts
func (l Location) ArtifactDir(tenantID, configID string) string {
	return filepath.Join(l.LocalDir, tenantID, configID)
}

// ParseLocation resolves raw against stagingRoot. Local descriptors are used as-is;
// s3://bucket/prefix stages under stagingRoot/bucket/prefix.
func ParseLocation(raw, stagingRoot string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("storage location is empty")
	}

	if !strings.HasPrefix(raw, s3Scheme) {
		return Location{Raw: raw, LocalDir: filepath.Clean(raw)}, nil
	}

	rest := strings.TrimPrefix(raw, s3Scheme)
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("storage location %q has no bucket", raw)
	}
	if stagingRoot == "" {
		return Location{}, fmt.Errorf("storage location %q needs a staging directory", raw)
	}
	prefix = strings.Trim(prefix, "/")

	return Location{
		Raw:      raw,
		LocalDir: filepath.Join(stagingRoot, bucket, filepath.FromSlash(prefix)),
		Bucket:   bucket,
		Prefix:   prefix,
	}, nil
}
