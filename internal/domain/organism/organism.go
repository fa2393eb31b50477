// Package organism implements the per-agent state spec.md §4.5 describes:
// registers, stacks, pointers, energy accounting and lifecycle.
package organism

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/domain/env"
)

// Register id base offsets, per spec.md §3: ids >= FPRBase are formal
// parameter registers, ids in [PRBase, FPRBase) are procedure registers,
// everything below PRBase is a general-purpose DR register.
const (
	PRBase  = 1000
	FPRBase = 2000

	// NumLocationRegisters is the fixed count of LR0..LR3.
	NumLocationRegisters = 4
)

// RegisterKind classifies a register id.
type RegisterKind int

const (
	KindDR RegisterKind = iota
	KindPR
	KindFPR
)

// ClassifyRegister returns which register bank id belongs to and its
// zero-based offset within that bank.
func ClassifyRegister(id int) (RegisterKind, int) {
	switch {
	case id >= FPRBase:
		return KindFPR, id - FPRBase
	case id >= PRBase:
		return KindPR, id - PRBase
	default:
		return KindDR, id
	}
}

// Organism is a single embodied agent.
type Organism struct {
	ID      uint32
	OwnerID uint32 // the ownership id stamped on this organism's body cells; equal to ID unless reassigned by an ownership-transfer instruction.

	IP            env.Coord
	DV            env.Coord
	IPBeforeFetch env.Coord

	DataPointers []env.Coord
	ActiveDP     int

	registers map[int]int32

	LocationRegisters [NumLocationRegisters]env.Coord

	dataStack     []int32
	callStack     []env.Coord
	locationStack []env.Coord

	Energy  decimal.Decimal
	Entropy int64

	IsDead            bool
	InstructionFailed bool

	GenomeHash uint64

	TotalInstructionsExecuted uint64
}

// New creates a live organism with the given id, seeded at coord with the
// given starting energy; its OwnerID is set to id. dv defaults to a unit step
// along axis 0.
func New(id uint32, seed env.Coord, startEnergy decimal.Decimal) *Organism {
	dv := make(env.Coord, len(seed))
	if len(dv) > 0 {
		dv[0] = 1
	}
	return &Organism{
		ID:                id,
		OwnerID:           id,
		IP:                seed.Clone(),
		DV:                dv,
		IPBeforeFetch:     seed.Clone(),
		DataPointers:      []env.Coord{seed.Clone()},
		ActiveDP:          0,
		registers:         make(map[int]int32),
		LocationRegisters: [NumLocationRegisters]env.Coord{},
		Energy:            startEnergy,
	}
}

// ReadRegister returns the value of register id (DR/PR/FPR, unified by id
// range). Unwritten registers read as zero.
func (o *Organism) ReadRegister(id int) int32 {
	return o.registers[id]
}

// WriteRegister sets register id to v.
func (o *Organism) WriteRegister(id int, v int32) {
	o.registers[id] = v
}

// ActiveDataPointer returns the currently active data pointer coordinate.
func (o *Organism) ActiveDataPointer() env.Coord {
	return o.DataPointers[o.ActiveDP]
}

// SetActiveDataPointer selects which data pointer is active by index.
func (o *Organism) SetActiveDataPointer(idx int) error {
	if idx < 0 || idx >= len(o.DataPointers) {
		return fmt.Errorf("organism %d: data pointer index %d out of range [0,%d)", o.ID, idx, len(o.DataPointers))
	}
	o.ActiveDP = idx
	return nil
}

// AddDataPointer appends a new secondary coordinate to the ordered set of
// data pointers.
func (o *Organism) AddDataPointer(c env.Coord) {
	o.DataPointers = append(o.DataPointers, c.Clone())
}

// PushData pushes v onto the data stack.
func (o *Organism) PushData(v int32) {
	o.dataStack = append(o.dataStack, v)
}

// PopData pops the top of the data stack. ok is false on underflow.
func (o *Organism) PopData() (v int32, ok bool) {
	if len(o.dataStack) == 0 {
		return 0, false
	}
	n := len(o.dataStack) - 1
	v = o.dataStack[n]
	o.dataStack = o.dataStack[:n]
	return v, true
}

// PeekData returns the value `offset` slots from the top (0 = top) without
// popping. ok is false if the stack is shallower than offset+1 — an
// underflow, per spec.md §4.4 Phase 2.
func (o *Organism) PeekData(offset int) (v int32, ok bool) {
	n := len(o.dataStack) - 1 - offset
	if n < 0 {
		return 0, false
	}
	return o.dataStack[n], true
}

// DataStackLen reports the current data stack depth.
func (o *Organism) DataStackLen() int { return len(o.dataStack) }

// DataStackSnapshot returns a defensive copy of the data stack, top-last,
// for idempotent peek-based operand resolution (spec.md §4.4 Phase 2: "a
// snapshot iterator over the data stack").
func (o *Organism) DataStackSnapshot() []int32 {
	out := make([]int32, len(o.dataStack))
	copy(out, o.dataStack)
	return out
}

// RegistersSnapshot returns a defensive copy of every written register
// (DR/PR/FPR, unified by id), for state capture.
func (o *Organism) RegistersSnapshot() map[int]int32 {
	out := make(map[int]int32, len(o.registers))
	for id, v := range o.registers {
		out[id] = v
	}
	return out
}

// CallStackSnapshot returns a defensive copy of the call stack, top-last.
func (o *Organism) CallStackSnapshot() []env.Coord {
	out := make([]env.Coord, len(o.callStack))
	for i, c := range o.callStack {
		out[i] = c.Clone()
	}
	return out
}

// LocationStackSnapshot returns a defensive copy of the location stack,
// top-last.
func (o *Organism) LocationStackSnapshot() []env.Coord {
	out := make([]env.Coord, len(o.locationStack))
	for i, c := range o.locationStack {
		out[i] = c.Clone()
	}
	return out
}

// PushCall pushes a return coordinate onto the call stack.
func (o *Organism) PushCall(c env.Coord) {
	o.callStack = append(o.callStack, c.Clone())
}

// PopCall pops the call stack. ok is false on underflow.
func (o *Organism) PopCall() (c env.Coord, ok bool) {
	if len(o.callStack) == 0 {
		return nil, false
	}
	n := len(o.callStack) - 1
	c = o.callStack[n]
	o.callStack = o.callStack[:n]
	return c, true
}

// PushLocation pushes a coordinate onto the location stack.
func (o *Organism) PushLocation(c env.Coord) {
	o.locationStack = append(o.locationStack, c.Clone())
}

// PopLocation pops the location stack. ok is false on underflow.
func (o *Organism) PopLocation() (c env.Coord, ok bool) {
	if len(o.locationStack) == 0 {
		return nil, false
	}
	n := len(o.locationStack) - 1
	c = o.locationStack[n]
	o.locationStack = o.locationStack[:n]
	return c, true
}

// ApplyEnergyCost deducts cost from the organism's energy register. If the
// result is zero or negative, the organism dies (energy exhausted).
func (o *Organism) ApplyEnergyCost(cost decimal.Decimal) {
	o.Energy = o.Energy.Sub(cost)
	if o.Energy.Sign() <= 0 {
		o.Energy = decimal.Zero
		o.Kill()
	}
}

// Kill marks the organism as dead. Dead organisms are skipped by the PLAN
// phase and their body cells are released by the caller via
// env.Grid.ClearOwnershipFor.
func (o *Organism) Kill() {
	o.IsDead = true
}

// Fork produces a child organism at seed, transferring energyToChild from
// the parent. The parent is not retired by Fork itself — callers that want
// fork-then-retire semantics call Kill explicitly.
func (o *Organism) Fork(childID uint32, seed env.Coord, energyToChild decimal.Decimal) (*Organism, error) {
	if energyToChild.GreaterThan(o.Energy) {
		return nil, fmt.Errorf("organism %d: fork requested %s energy but only has %s", o.ID, energyToChild, o.Energy)
	}
	o.Energy = o.Energy.Sub(energyToChild)
	child := New(childID, seed, energyToChild)
	child.GenomeHash = o.GenomeHash
	return child, nil
}
