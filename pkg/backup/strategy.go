// Package backup executes backup jobs through type-specific strategies.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/artifact"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// Artifact describes the output of a successful strategy run
type Artifact struct {
	Path     string
	Size     int64
	Checksum string
	Metadata map[string]string
}

// Request carries everything a strategy needs for one job
type Request struct {
	Job       *types.BackupJob
	Config    *types.BackupConfig
	Dir       string
	Timestamp time.Time
}

// Options returns the artifact encoding selected by the config
func (r Request) Options() artifact.Options {
	return artifact.Options{
		Compress:   r.Config.Compression,
		Encrypt:    r.Config.Encryption,
		Passphrase: r.Config.EncryptionKey,
	}
}

// Target creates the artifact directory and returns the full path for the job's artifact.
// The name is <prefix>-<timestamp>-<job id prefix><ext>.
func (r Request) Target(prefix, ext string) (string, error) {
	if err := os.MkdirAll(r.Dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create backup directory %s: %w", r.Dir, err)
	}
	base := fmt.Sprintf("%s-%s-%s%s", prefix, r.Timestamp.UTC().Format("20060102T150405Z"), shortID(r.Job.ID), ext)
	return filepath.Join(r.Dir, artifact.FileName(base, r.Options())), nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Strategy produces an artifact for one backup type
type Strategy interface {
	Type() types.BackupType
	Execute(ctx context.Context, req Request) (*Artifact, error)
}

// Registry maps backup types to strategies
type Registry struct {
	mu         sync.RWMutex
	strategies map[types.BackupType]Strategy
}

// NewRegistry creates a registry holding the given strategies
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[types.BackupType]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the strategy for its type
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Type()] = s
}

// Get returns the strategy for backupType
func (r *Registry) Get(backupType types.BackupType) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[backupType]
	return s, ok
}

// Types lists the registered backup types
func (r *Registry) Types() []types.BackupType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.BackupType, 0, len(r.strategies))
	for t := range r.strategies {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// finish closes w and converts its result into an Artifact
func finish(w *artifact.Writer, metadata map[string]string) (*Artifact, error) {
	result, err := w.Close()
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Path:     result.Path,
		Size:     result.Size,
		Checksum: result.Checksum,
		Metadata: metadata,
	}, nil
}
