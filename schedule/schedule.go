// Package schedule emits the deterministic per-stage instruction stream
// (C1) for one global batch. Schedule is a pure function of
// (num_microbatches, num_stages, stage_index): it is a closed-form
// generator, not a stateful scheduler, which is what makes cross-stage
// agreement after reconfiguration and property-based testing possible.
package schedule

import "fmt"

// Op tags the closed set of instruction kinds. OptimizerStep is declared
// for completeness (it appears in the data model) but Steps never emits
// it: the driver invokes it once per batch after the stream is exhausted.
type Op int

const (
	LoadMicrobatch Op = iota
	Forward
	Backward
	SendActivation
	RecvActivation
	SendGradient
	RecvGradient
	OptimizerStep
)

func (o Op) String() string {
	switch o {
	case LoadMicrobatch:
		return "LoadMicrobatch"
	case Forward:
		return "Forward"
	case Backward:
		return "Backward"
	case SendActivation:
		return "SendActivation"
	case RecvActivation:
		return "RecvActivation"
	case SendGradient:
		return "SendGradient"
	case RecvGradient:
		return "RecvGradient"
	case OptimizerStep:
		return "OptimizerStep"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Instruction is a tagged variant over the eight Ops, carrying the
// buffer_id it operates on.
type Instruction struct {
	Op       Op
	BufferID int
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s(buf=%d)", i.Op, i.BufferID)
}

// NumPipeBuffers returns max(2, min(numStages-stageIndex, numMicrobatches)):
// the maximum number of forward passes that can be in flight on this
// stage before the first backward arrives.
func NumPipeBuffers(numMicrobatches, numStages, stageIndex int) int {
	buffers := numStages - stageIndex
	if numMicrobatches < buffers {
		buffers = numMicrobatches
	}
	if buffers < 2 {
		buffers = 2
	}
	return buffers
}

// Schedule generates the step groups for one stage of one replica. It
// holds no mutable state beyond the three parameters it was built from.
type Schedule struct {
	numMicrobatches int
	numStages       int
	stageIndex      int
	numPipeBuffers  int
}

// New builds a Schedule for stageIndex in [0, numStages) processing
// numMicrobatches microbatches this batch.
func New(numMicrobatches, numStages, stageIndex int) *Schedule {
	return &Schedule{
		numMicrobatches: numMicrobatches,
		numStages:       numStages,
		stageIndex:      stageIndex,
		numPipeBuffers:  NumPipeBuffers(numMicrobatches, numStages, stageIndex),
	}
}

// NumPipeBuffers returns the number of microbatch buffers this stage
// needs to hold in flight.
func (s *Schedule) NumPipeBuffers() int { return s.numPipeBuffers }

// TotalSteps returns 2*(M+S-1), the number of step groups Steps yields.
func (s *Schedule) TotalSteps() int {
	return 2 * (s.numMicrobatches + s.numStages - 1)
}

func (s *Schedule) buf(mb int) int { return mb % s.numPipeBuffers }

// stepToMicrobatch maps a step index to (microbatch, is_forward) using
// the same parity-based construction as the standard 1F1B pipeline
// schedule: when step and stage share parity the stage forwards, when
// they differ it backwards. The forward offset grows with stage index
// (later stages start later); the backward offset shrinks with stage
// index (earlier stages wait longest for their first backward). This is
// what keeps Forward(mb=i) always preceding Backward(mb=i) regardless of
// stage parity, while every stage shares the same total step count.
func (s *Schedule) stepToMicrobatch(step int) (mb int, isForward bool) {
	half := step / 2
	if step%2 == s.stageIndex%2 {
		return half - s.stageIndex/2, true
	}
	backwardOffset := s.numStages - s.stageIndex/2 - 1
	return half - backwardOffset, false
}

func validMicrobatch(mb, numMicrobatches int) bool {
	return mb >= 0 && mb < numMicrobatches
}

func (s *Schedule) stageExists(stageIdx int) bool {
	return stageIdx >= 0 && stageIdx < s.numStages
}

// Steps returns the full, materialized step-group sequence: a slice of
// length TotalSteps(), each entry the ordered instruction list for that
// step on this stage, per spec.md §4.1's fixed emission order.
func (s *Schedule) Steps() [][]Instruction {
	total := s.TotalSteps()
	out := make([][]Instruction, total)
	prevMB := -1
	for step := 0; step < total; step++ {
		mb, isForward := s.stepToMicrobatch(step)
		var cmds []Instruction

		if isForward {
			if validMicrobatch(prevMB, s.numMicrobatches) && s.stageExists(s.stageIndex-1) {
				cmds = append(cmds, Instruction{Op: SendGradient, BufferID: s.buf(prevMB)})
			}
			if validMicrobatch(mb, s.numMicrobatches) && s.stageExists(s.stageIndex-1) {
				cmds = append(cmds, Instruction{Op: RecvActivation, BufferID: s.buf(mb)})
			}
		} else {
			if validMicrobatch(mb, s.numMicrobatches) && s.stageExists(s.stageIndex+1) {
				cmds = append(cmds, Instruction{Op: RecvGradient, BufferID: s.buf(mb)})
			}
			if validMicrobatch(prevMB, s.numMicrobatches) && s.stageExists(s.stageIndex+1) {
				cmds = append(cmds, Instruction{Op: SendActivation, BufferID: s.buf(prevMB)})
			}
		}

		if (s.stageIndex == 0 || s.stageIndex == s.numStages-1) && isForward && validMicrobatch(mb, s.numMicrobatches) {
			cmds = append(cmds, Instruction{Op: LoadMicrobatch, BufferID: s.buf(mb)})
		}

		if validMicrobatch(mb, s.numMicrobatches) {
			if isForward {
				cmds = append(cmds, Instruction{Op: Forward, BufferID: s.buf(mb)})
			} else {
				cmds = append(cmds, Instruction{Op: Backward, BufferID: s.buf(mb)})
			}
		}

		out[step] = cmds
		prevMB = mb
	}
	return out
}
