package transport

import (
	"fmt"
	"sync"
)

// activationFrame is what crosses a Link for one SendActivation/
// RecvActivation pair. Envelope is non-nil only on the first frame of a
// Link's lifetime, mirroring the once-per-lifetime metadata negotiation.
type activationFrame struct {
	envelope *MetadataEnvelope
	tensors  []*Tensor
}

type gradientFrame struct {
	tensors []*Tensor
}

// Link is a single directed wire between two adjacent stages of one
// replica: one channel for activations flowing downstream, one for
// gradients flowing back upstream. Two ChannelTransports (stage s's
// "down" and stage s+1's "up") share the same Link.
type Link struct {
	activationCh chan activationFrame
	gradientCh   chan gradientFrame

	once   sync.Once
	broken chan struct{}
}

// NewLink creates a Link connecting stage s (sender of activations) to
// stage s+1 (sender of gradients).
func NewLink() *Link {
	return &Link{
		activationCh: make(chan activationFrame),
		gradientCh:   make(chan gradientFrame),
		broken:       make(chan struct{}),
	}
}

// Break simulates peer loss on this Link: both blocked and future P2P
// calls across it observe a KindTeardown error instead of hanging.
// Idempotent.
func (l *Link) Break() {
	l.once.Do(func() { close(l.broken) })
}

// ChannelTransport is an in-process Transport: every rank's stage runs in
// its own goroutine within the same binary, and adjacent stages are wired
// by sharing a Link. Used for local multi-rank demos and tests in place
// of a real NCCL-equivalent communicator.
type ChannelTransport struct {
	up   *Link // shared with the previous stage's "down"; nil at stage 0
	down *Link // shared with the next stage's "up"; nil at the last stage

	mu                 sync.Mutex
	sentActivationMeta bool
	activationRecvBuf  []*Tensor
	gradRecvBuf        []*Tensor
}

// NewChannelTransport builds a Transport for one stage. Pass nil for up
// at the first stage and nil for down at the last stage.
func NewChannelTransport(up, down *Link) *ChannelTransport {
	return &ChannelTransport{up: up, down: down}
}

func teardownErr(op string) error {
	return &Error{Kind: KindTeardown, Op: op, Err: fmt.Errorf("peer connection closed")}
}

func shapesEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *ChannelTransport) SendActivation(bufferID int, outputs []*Tensor) error {
	if t.down == nil {
		return &Error{Kind: KindOther, Op: "SendActivation", Err: fmt.Errorf("no next stage")}
	}
	t.mu.Lock()
	frame := activationFrame{tensors: outputs}
	if !t.sentActivationMeta {
		env := envelopeOf(outputs)
		frame.envelope = &env
		t.sentActivationMeta = true
	}
	t.mu.Unlock()

	select {
	case t.down.activationCh <- frame:
		return nil
	case <-t.down.broken:
		return teardownErr("SendActivation")
	}
}

func (t *ChannelTransport) RecvActivation(bufferID int) ([]*Tensor, error) {
	if t.up == nil {
		return nil, &Error{Kind: KindOther, Op: "RecvActivation", Err: fmt.Errorf("no previous stage")}
	}
	var frame activationFrame
	select {
	case frame = <-t.up.activationCh:
	case <-t.up.broken:
		return nil, teardownErr("RecvActivation")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activationRecvBuf == nil {
		if frame.envelope == nil {
			return nil, &Error{Kind: KindShapeMismatch, Op: "RecvActivation", Err: fmt.Errorf("first activation frame carried no metadata envelope")}
		}
		bufs := make([]*Tensor, frame.envelope.NumTensors)
		for i, m := range frame.envelope.Tensors {
			bufs[i] = &Tensor{Shape: append([]int64(nil), m.Shape...), DType: m.DTypeCode, RequiresGrad: m.RequiresGrad}
		}
		t.activationRecvBuf = bufs
	}

	if len(frame.tensors) != len(t.activationRecvBuf) {
		return nil, &Error{Kind: KindShapeMismatch, Op: "RecvActivation", Err: fmt.Errorf("tensor count %d != allocated %d", len(frame.tensors), len(t.activationRecvBuf))}
	}

	result := make([]*Tensor, len(t.activationRecvBuf))
	for i, recvBuf := range t.activationRecvBuf {
		payload := frame.tensors[i]
		if !shapesEqual(recvBuf.Shape, payload.Shape) || recvBuf.DType != payload.DType || recvBuf.RequiresGrad != payload.RequiresGrad {
			return nil, &Error{Kind: KindShapeMismatch, Op: "RecvActivation", Err: fmt.Errorf("tensor %d shape/dtype/requires_grad mismatch against cached receive buffer", i)}
		}
		recvBuf.Data = payload.Data
		result[i] = recvBuf.Clone(recvBuf.RequiresGrad)
	}
	return result, nil
}

func (t *ChannelTransport) SendGradient(bufferID int, inputs []*Tensor) error {
	if t.up == nil {
		return &Error{Kind: KindOther, Op: "SendGradient", Err: fmt.Errorf("no previous stage")}
	}
	filtered := make([]*Tensor, 0, len(inputs))
	for _, in := range inputs {
		if !in.RequiresGrad {
			continue
		}
		filtered = append(filtered, &Tensor{Shape: in.Shape, DType: in.DType, RequiresGrad: true, Data: in.Grad})
	}
	select {
	case t.up.gradientCh <- gradientFrame{tensors: filtered}:
		return nil
	case <-t.up.broken:
		return teardownErr("SendGradient")
	}
}

func (t *ChannelTransport) RecvGradient(bufferID int, outputs []*Tensor) ([]*Tensor, error) {
	if t.down == nil {
		return nil, &Error{Kind: KindOther, Op: "RecvGradient", Err: fmt.Errorf("no next stage")}
	}
	var frame gradientFrame
	select {
	case frame = <-t.down.gradientCh:
	case <-t.down.broken:
		return nil, teardownErr("RecvGradient")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.gradRecvBuf == nil {
		bufs := make([]*Tensor, 0, len(outputs))
		for _, o := range outputs {
			if o.RequiresGrad {
				bufs = append(bufs, &Tensor{Shape: o.Shape, DType: o.DType, RequiresGrad: true})
			}
		}
		t.gradRecvBuf = bufs
	}

	if len(frame.tensors) != len(t.gradRecvBuf) {
		return nil, &Error{Kind: KindShapeMismatch, Op: "RecvGradient", Err: fmt.Errorf("gradient count %d != allocated %d", len(frame.tensors), len(t.gradRecvBuf))}
	}

	result := make([]*Tensor, len(t.gradRecvBuf))
	for i, buf := range t.gradRecvBuf {
		payload := frame.tensors[i]
		if !shapesEqual(buf.Shape, payload.Shape) {
			return nil, &Error{Kind: KindShapeMismatch, Op: "RecvGradient", Err: fmt.Errorf("gradient %d shape mismatch against cached receive buffer", i)}
		}
		buf.Data = payload.Data
		result[i] = buf.Clone(true)
	}
	return result, nil
}

// Close breaks both of this transport's links, surfacing a KindTeardown
// error to whichever side is blocked in a P2P call. During training only
// the engine's watcher goroutine calls this; localcluster.Cluster.Close
// also calls it when a local run is shut down.
func (t *ChannelTransport) Close() error {
	if t.up != nil {
		t.up.Break()
	}
	if t.down != nil {
		t.down.Break()
	}
	return nil
}
