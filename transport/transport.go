// Package transport implements the typed P2P layer (C2): metadata
// negotiation on first use, persistent receive buffers thereafter, and
// gradient transport filtered by requires_grad.
package transport

import (
	"fmt"

	"github.com/ppexec/ppexec/dtype"
)

// Tensor is the wire-level stand-in for a device tensor. The core never
// computes on tensor values; it only moves shape/dtype/grad metadata and
// opaque payloads between stages, so Data is untyped and untouched here.
type Tensor struct {
	Shape         []int64
	DType         dtype.Code
	RequiresGrad  bool
	Data          []byte
	Grad          []byte // populated by backward_pass before SendGradient
}

// Clone returns a deep copy of Shape, DType and Data (Grad is not copied)
// with RequiresGrad restored to want, matching
// the activation_recv_buf behavior: the persistent receive buffer is
// cloned into the microbatch's inputs slot so backward can seed .grad.
func (t *Tensor) Clone(want bool) *Tensor {
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	shape := make([]int64, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{Shape: shape, DType: t.DType, RequiresGrad: want, Data: data}
}

// TensorMeta describes one tensor in a MetadataEnvelope.
type TensorMeta struct {
	Rank          int
	DTypeCode     dtype.Code
	Shape         []int64
	RequiresGrad  bool
}

func metaOf(t *Tensor) TensorMeta {
	return TensorMeta{
		Rank:         len(t.Shape),
		DTypeCode:    t.DType,
		Shape:        t.Shape,
		RequiresGrad: t.RequiresGrad,
	}
}

// MetadataEnvelope is the header sent once per (sender, receiver,
// output-slot) lifetime, per spec: a num_tensors count followed by
// {rank, dtype_code, shape, requires_grad} for each tensor.
type MetadataEnvelope struct {
	NumTensors int
	Tensors    []TensorMeta
}

func envelopeOf(tensors []*Tensor) MetadataEnvelope {
	metas := make([]TensorMeta, len(tensors))
	for i, t := range tensors {
		metas[i] = metaOf(t)
	}
	return MetadataEnvelope{NumTensors: len(tensors), Tensors: metas}
}

// Kind classifies a transport-level failure. Classification happens at
// construction inside the transport, not by matching on an error string
// after the fact.
type Kind int

const (
	KindOther Kind = iota
	// KindTeardown means the underlying communicator was torn down
	// (peer loss); the driver should treat this as a reconfiguration
	// trigger, not a fatal error.
	KindTeardown
	// KindShapeMismatch means a received payload disagreed with the
	// cached receive buffer — shape, dtype or requires_grad for an
	// activation, shape for a gradient — a protocol break between ranks.
	// Always fatal.
	KindShapeMismatch
)

// Error is the typed error every Transport implementation returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// legacyMarkers are the prefix strings spec.md §7 uses to recognize a
// communicator-teardown error by message text. They are kept only as a
// fallback for errors that did not originate in our own transport (e.g. a
// wrapped third-party networking error); typed *Error is always checked
// first by callers via errors.As.
var legacyMarkers = []string{
	"Default process group",
	"Connection closed",
}

// ClassifyLegacy reports whether msg looks like a recognized
// communicator-teardown error by prefix match, for errors that are not a
// *transport.Error.
func ClassifyLegacy(msg string) bool {
	for _, m := range legacyMarkers {
		if len(msg) >= len(m) && msg[:len(m)] == m {
			return true
		}
	}
	return false
}

// Transport exposes the four P2P operations keyed by buffer_id, plus
// lifecycle hooks used by the engine during reconfiguration.
type Transport interface {
	// SendActivation sends outputs[bufferID] to the next stage, sending
	// a MetadataEnvelope first iff this is the first SendActivation on
	// this Transport.
	SendActivation(bufferID int, outputs []*Tensor) error
	// RecvActivation blocks until the previous stage's activations for
	// bufferID arrive, allocating persistent receive buffers on first
	// use. Returns tensors to store into inputs[bufferID].
	RecvActivation(bufferID int) ([]*Tensor, error)
	// SendGradient sends the .grad of every requires_grad input in
	// inputs to the previous stage, in the same order the receiver
	// allocated its gradient buffers.
	SendGradient(bufferID int, inputs []*Tensor) error
	// RecvGradient blocks until gradients for bufferID arrive from the
	// next stage, allocating lazily from outputs on first use, skipping
	// entries whose RequiresGrad is false. Returns grad buffers aligned
	// to the requires_grad-filtered subsequence of outputs.
	RecvGradient(bufferID int, outputs []*Tensor) ([]*Tensor, error)
	// Close tears down the underlying communicator. During training only
	// the engine's watcher goroutine calls this, never the principal;
	// localcluster.Cluster.Close also calls it at shutdown.
	Close() error
}
