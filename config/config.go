// Package config exposes the ConfigurationEngine collaborator consumed
// by engine.ExecutionEngine: rank/world metadata and the failure
// notification primitive, re-expressed as an explicit handle instead of
// the source's process-wide singleton (see spec.md §9 Design Notes).
package config

import "context"

// RankInfo is one worker's identity within the current distributed
// session, as returned by ConfigurationEngine.DistInfo.
type RankInfo struct {
	Rank int
	Addr string
}

// ConfigurationEngine is the out-of-scope process-bootstrap/rank-
// assignment collaborator the core consumes. Production deployments
// implement this against the real process group; tests inject
// InMemoryEngine.
type ConfigurationEngine interface {
	IsMaster() bool
	Tag() string
	BaseDir() string
	WorldSize() int
	DistInfo() []RankInfo
	InitDistributed(ctx context.Context) error
	// RecvReconfigurationNotification blocks until any worker observes
	// peer failure, or ctx is canceled.
	RecvReconfigurationNotification(ctx context.Context) error
}

// InMemoryEngine is a fake ConfigurationEngine for local runs and tests:
// failure is signaled by closing a channel instead of a real cluster
// membership primitive.
type InMemoryEngine struct {
	isMaster bool
	tag      string
	baseDir  string
	dist     []RankInfo

	failure chan struct{}
}

// NewInMemoryEngine builds a fake ConfigurationEngine for one worker.
func NewInMemoryEngine(isMaster bool, tag, baseDir string, dist []RankInfo) *InMemoryEngine {
	return &InMemoryEngine{
		isMaster: isMaster,
		tag:      tag,
		baseDir:  baseDir,
		dist:     dist,
		failure:  make(chan struct{}),
	}
}

func (e *InMemoryEngine) IsMaster() bool     { return e.isMaster }
func (e *InMemoryEngine) Tag() string        { return e.tag }
func (e *InMemoryEngine) BaseDir() string    { return e.baseDir }
func (e *InMemoryEngine) WorldSize() int     { return len(e.dist) }
func (e *InMemoryEngine) DistInfo() []RankInfo {
	out := make([]RankInfo, len(e.dist))
	copy(out, e.dist)
	return out
}

func (e *InMemoryEngine) InitDistributed(ctx context.Context) error {
	return ctx.Err()
}

// SignalFailure fires the reconfiguration notification exactly once.
// Subsequent calls are no-ops: failure is one-shot per InMemoryEngine, and
// once signaled every later RecvReconfigurationNotification returns
// immediately.
func (e *InMemoryEngine) SignalFailure() {
	select {
	case <-e.failure:
	default:
		close(e.failure)
	}
}

func (e *InMemoryEngine) RecvReconfigurationNotification(ctx context.Context) error {
	select {
	case <-e.failure:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
