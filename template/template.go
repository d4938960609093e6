// Package template defines the immutable pipeline plan (PipelineTemplate):
// an ordered sequence of stages, each a half-open layer range and an
// accelerator count per node. Validity requires the stage ranges to tile
// [0, L) exactly, with no gap or overlap.
package template

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// Stage is one entry of a PipelineTemplate: a half-open layer range
// [LayerLo, LayerHi) resident on AcceleratorsPerNode accelerators of one
// node.
type Stage struct {
	LayerLo            int `validate:"gte=0"`
	LayerHi            int `validate:"gtfield=LayerLo"`
	AcceleratorsPerNode int `validate:"gt=0"`
}

func (s Stage) numLayers() int { return s.LayerHi - s.LayerLo }

// PipelineTemplate is an immutable plan: an ordered stage list for a
// fixed node count, valid for a specific total layer count L.
type PipelineTemplate struct {
	ID         uuid.UUID
	NumLayers  int     `validate:"gt=0"`
	Stages     []Stage `validate:"required,min=1,dive"`
}

// NumStages returns len(Stages).
func (t *PipelineTemplate) NumStages() int { return len(t.Stages) }

// NumNodes returns the node count this template occupies: one node per
// stage (the accelerator count per node is an intra-node concern).
func (t *PipelineTemplate) NumNodes() int { return len(t.Stages) }

// New builds and validates a PipelineTemplate covering exactly
// [0, numLayers) across stages, assigning a fresh ID.
func New(numLayers int, stages []Stage) (*PipelineTemplate, error) {
	tpl := &PipelineTemplate{
		ID:        uuid.New(),
		NumLayers: numLayers,
		Stages:    stages,
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Validate checks struct-level constraints via go-playground/validator,
// then the tiling invariant validator tags can't express: the union of
// stage ranges must equal [0, NumLayers) without gaps or overlap.
func (t *PipelineTemplate) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("template: %w", err)
	}
	want := 0
	for i, s := range t.Stages {
		if s.LayerLo != want {
			return fmt.Errorf("template: stage %d starts at layer %d, want %d (gap or overlap)", i, s.LayerLo, want)
		}
		want = s.LayerHi
	}
	if want != t.NumLayers {
		return fmt.Errorf("template: stage ranges cover [0,%d), want [0,%d)", want, t.NumLayers)
	}
	return nil
}

// StageOwning returns the index of the stage whose [LayerLo, LayerHi)
// contains layerIdx, or -1 if none does.
func (t *PipelineTemplate) StageOwning(layerIdx int) int {
	for i, s := range t.Stages {
		if layerIdx >= s.LayerLo && layerIdx < s.LayerHi {
			return i
		}
	}
	return -1
}

// IsFirstStage reports whether stageIdx owns layer 0.
func (t *PipelineTemplate) IsFirstStage(stageIdx int) bool {
	return t.Stages[stageIdx].LayerLo == 0
}

// IsLastStage reports whether stageIdx owns layer NumLayers-1.
func (t *PipelineTemplate) IsLastStage(stageIdx int) bool {
	return t.Stages[stageIdx].LayerHi == t.NumLayers
}
