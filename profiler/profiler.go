// Package profiler models the offline profiling collaborator out of
// scope per spec.md: per-layer compute/memory costs, the template
// planner that enumerates candidate pipeline templates from a profile,
// and the sharding policy that sanity-checks a template against a model.
// The core only consumes these interfaces; reference implementations
// here are good enough to drive the executor end-to-end in-process.
package profiler

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ppexec/ppexec/template"
)

// LayerProfile is one layer's measured cost, per spec.md §6.
type LayerProfile struct {
	MemRequired    int64 `yaml:"mem_required"`
	ComputeCost    int64 `yaml:"compute_cost"`
	Checkpointable bool  `yaml:"checkpointable"`
}

// Artifact is the ordered per-layer profile for one
// (model, optimizer, precision, tp_width, microbatch) tuple.
type Artifact struct {
	Tag    string         `yaml:"tag"`
	Layers []LayerProfile `yaml:"layers"`
}

// TotalMemory sums MemRequired across every layer.
func (a *Artifact) TotalMemory() int64 {
	var total int64
	for _, l := range a.Layers {
		total += l.MemRequired
	}
	return total
}

// Store loads/saves Artifacts under BaseDir, one YAML file per tag.
type Store struct {
	BaseDir string
}

func (s *Store) path(tag string) string {
	return filepath.Join(s.BaseDir, tag+".yaml")
}

// Load reads the Artifact for tag, or an error if it has never been
// profiled (the caller is expected to profile once, per spec.md's
// "Profile the model once per quadruple" requirement).
func (s *Store) Load(tag string) (*Artifact, error) {
	data, err := os.ReadFile(s.path(tag))
	if err != nil {
		return nil, fmt.Errorf("profiler: load %s: %w", tag, err)
	}
	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("profiler: parse %s: %w", tag, err)
	}
	return &a, nil
}

// Save persists a, creating BaseDir if needed.
func (s *Store) Save(a *Artifact) error {
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return fmt.Errorf("profiler: mkdir %s: %w", s.BaseDir, err)
	}
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("profiler: marshal %s: %w", a.Tag, err)
	}
	if err := os.WriteFile(s.path(a.Tag), data, 0o644); err != nil {
		return fmt.Errorf("profiler: write %s: %w", a.Tag, err)
	}
	return nil
}

// TemplatePlanner generates one candidate PipelineTemplate for a given
// node count from a profile artifact. Out of scope per spec.md; the core
// only consumes this interface.
type TemplatePlanner interface {
	Plan(artifact *Artifact, numNodes, acceleratorsPerNode int) (*template.PipelineTemplate, error)
}

// ShardingPolicy sanity-checks a candidate template against a model
// profile before it is handed to the Instantiator. Out of scope per
// spec.md; the core only consumes this interface.
type ShardingPolicy interface {
	Check(artifact *Artifact, tpl *template.PipelineTemplate) error
}

// EvenSplitPlanner is a reference TemplatePlanner: it divides the
// artifact's layers into numNodes contiguous, as-equal-as-possible
// ranges, one stage per node.
type EvenSplitPlanner struct{}

func (EvenSplitPlanner) Plan(artifact *Artifact, numNodes, acceleratorsPerNode int) (*template.PipelineTemplate, error) {
	numLayers := len(artifact.Layers)
	if numNodes <= 0 || numNodes > numLayers {
		return nil, fmt.Errorf("profiler: cannot plan %d stages for %d layers", numNodes, numLayers)
	}
	base := numLayers / numNodes
	extra := numLayers % numNodes
	stages := make([]template.Stage, numNodes)
	lo := 0
	for i := 0; i < numNodes; i++ {
		size := base
		if i < extra {
			size++
		}
		stages[i] = template.Stage{LayerLo: lo, LayerHi: lo + size, AcceleratorsPerNode: acceleratorsPerNode}
		lo += size
	}
	return template.New(numLayers, stages)
}

// MemoryBoundPolicy is a reference ShardingPolicy: it rejects any stage
// whose summed MemRequired across its owned layers exceeds deviceMemory.
type MemoryBoundPolicy struct {
	DeviceMemory int64
}

func (p MemoryBoundPolicy) Check(artifact *Artifact, tpl *template.PipelineTemplate) error {
	for i, s := range tpl.Stages {
		var mem int64
		for l := s.LayerLo; l < s.LayerHi; l++ {
			mem += artifact.Layers[l].MemRequired
		}
		if mem > p.DeviceMemory {
			return fmt.Errorf("profiler: stage %d requires %d bytes, exceeds device memory %d", i, mem, p.DeviceMemory)
		}
	}
	return nil
}
