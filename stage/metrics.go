package stage

import (
	"math"

	"github.com/ppexec/ppexec/dtype"
	"github.com/ppexec/ppexec/transport"
)

// MetricsSink records the per-microbatch timers and per-batch scalars
// named in spec.md §6. Start returns a stop function so call sites can
// defer it, e.g. `defer metrics.Start("execution/forward")()`.
type MetricsSink interface {
	Start(name string) (stop func())
	Scalar(name string, step int64, value float64)
}

// NoopMetrics discards everything. Used where no metrics collaborator is
// wired, so StageRuntime never needs a nil check.
type NoopMetrics struct{}

func (NoopMetrics) Start(string) func()             { return func() {} }
func (NoopMetrics) Scalar(string, int64, float64) {}

// NewLossTensor builds a rank-0 loss tensor carrying v as its payload,
// the representation ForwardPass/scalarOf agree on. A real implementation
// swaps this for actual reduced loss output; out of scope per spec.md.
func NewLossTensor(v float64) *transport.Tensor {
	bits := math.Float64bits(v)
	data := make([]byte, 8)
	for i := 0; i < 8; i++ {
		data[i] = byte(bits >> (8 * i))
	}
	return &transport.Tensor{Shape: nil, DType: dtype.F64, RequiresGrad: true, Data: data}
}
