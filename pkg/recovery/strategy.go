// Package recovery restores data from completed backup jobs.
package recovery

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

// Request carries the records a recovery strategy works from
type Request struct {
	Recovery *types.RecoveryJob
	Job      *types.BackupJob
	Config   *types.BackupConfig
}

// Result is the outcome of a recovery strategy
type Result struct {
	Records    int64
	ResultCode string
}

// Strategy performs one recovery type
type Strategy interface {
	Type() types.RecoveryType
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry maps recovery types to strategies
type Registry struct {
	mu         sync.RWMutex
	strategies map[types.RecoveryType]Strategy
}

// NewRegistry creates a registry holding the given strategies
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[types.RecoveryType]Strategy)}
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

// Get returns the strategy for recoveryType
func (r *Registry) Get(recoveryType types.RecoveryType) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[recoveryType]
	return s, ok
}

// Types lists the registered recovery types
func (r *Registry) Types() []types.RecoveryType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.RecoveryType, 0, len(r.strategies))
	for t := range r.strategies {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// unsupported completes without restoring anything and says so in the result code
type unsupported struct {
	recoveryType types.RecoveryType
	logger       logrus.FieldLogger
}

func (s *unsupported) Type() types.RecoveryType {
	return s.recoveryType
}

func (s *unsupported) Execute(ctx context.Context, req Request) (*Result, error) {
	s.logger.WithField(logging.FieldRecoveryID, req.Recovery.ID).
		Warnf("%s recovery is not supported yet, nothing was restored", s.recoveryType)
	return &Result{Records: 0, ResultCode: types.ResultRecoveryNotSupported}, nil
}

// NewPointInTimeStrategy returns the point_in_time placeholder
func NewPointInTimeStrategy(logger logrus.FieldLogger) Strategy {
	return &unsupported{recoveryType: types.RecoveryTypePointInTime, logger: logging.Component(logger, "recovery")}
}

// NewSelectiveStrategy returns the selective placeholder
func NewSelectiveStrategy(logger logrus.FieldLogger) Strategy {
	return &unsupported{recoveryType: types.RecoveryTypeSelective, logger: logging.Component(logger, "recovery")}
}
