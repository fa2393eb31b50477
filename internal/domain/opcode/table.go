package opcode

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/organism"
	"github.com/evochora/evochora-sub008/internal/plugins"
)

// Operand is one resolved operand value. Only the fields relevant to
// Source are populated.
type Operand struct {
	Source OperandSource
	Reg    int     // REGISTER / LOCATION_REGISTER id
	Value  int32   // resolved value for IMMEDIATE / STACK (REGISTER sets only Reg)
	Vector []int32 // resolved dims-wide components for VECTOR / LABEL
}

// Instruction is the single concrete instance type every planned
// instruction uses, dispatched through the Table by opcode id — spec.md §9
// calls for an array of function pointers or a tagged variant, not
// heap-allocated trait objects, in the tick loop.
type Instruction struct {
	OpID          ID
	Organism      *organism.Organism
	IPBeforeFetch env.Coord

	// CodeOwner is the ownership id stamped on the cell holding this
	// instruction's opcode — not necessarily Organism.OwnerID, since an
	// organism may be executing code it walked onto rather than code it
	// owns. Label lookups are scoped to CodeOwner (spec.md §4.2).
	CodeOwner uint32

	// EncodedLength is this instruction's length in cells, from
	// Entry.Length(dims), cached at PLAN time for COMMIT-phase ip advance
	// and for instructions (e.g. CALLI) that need their own return address.
	EncodedLength int

	Operands []Operand

	resolved    bool
	stackPeeked int

	// Failed is set during RESOLVE if a stack operand underflowed; such an
	// instruction is marked to fail at COMMIT without ever winning
	// arbitration a second time (spec.md §4.4 Phase 2).
	Failed bool

	// Outcome is filled in by ARBITRATE; COMMIT checks it before running.
	Outcome Outcome
}

// Outcome is the instruction state machine's state after ARBITRATE, per
// spec.md §4.4 "State machine per instruction".
type Outcome int

const (
	Won Outcome = iota
	LostLowerIDWon
	LostTargetOccupied
)

// ExecContext bundles everything an Entry's Execute closure may touch
// during COMMIT: the grid, the label index, the injected RNG, and the
// narrow hook for forking organisms (engine-owned bookkeeping). HALT kills
// its organism directly through Organism.Kill.
type ExecContext struct {
	Grid   *env.Grid
	Labels plugins.LabelMatchStrategy
	RNG    plugins.RandomProvider

	// SpawnChild allocates a new organism id and registers the child with
	// the engine's organism table; nil if forking is not wired.
	SpawnChild func(parent *organism.Organism, seed env.Coord, energyToChild decimal.Decimal) (*organism.Organism, error)
}

// Entry is one opcode's full contract: name, operand signature, the write
// target (if any) it contends for during ARBITRATE, and its COMMIT-phase
// semantic effect.
type Entry struct {
	ID             ID
	Name           string
	OperandSources []OperandSource

	// Target returns the flat index this instruction would write to during
	// COMMIT, and whether it writes at all. Called during ARBITRATE; must
	// not mutate anything.
	Target func(inst *Instruction, g *env.Grid) (flatIdx int, writes bool)

	// Execute performs the semantic effect. A non-nil error means the
	// instruction failed (spec.md §7 "Instruction failure"): ip is left
	// unchanged and the failure energy cost is charged instead of the
	// normal instruction cost.
	Execute func(inst *Instruction, cc *ExecContext) error

	// SetsIP reports whether Execute sets organism.IP itself (jumps,
	// calls, returns); if false, the engine advances ip by Length after a
	// successful commit.
	SetsIP bool
}

// Length returns the opcode's encoded length in cells: one for the opcode
// itself, plus one cell per scalar operand (REGISTER/IMMEDIATE/
// LOCATION_REGISTER — an IMMEDIATE cell holds the value itself, a register
// cell holds only an id that is read at execute time) or dims cells per
// VECTOR/LABEL operand. STACK operands are
// never encoded in the code stream (spec.md §4.3, §4.4).
func (e *Entry) Length(dims int) int {
	n := 1
	for _, s := range e.OperandSources {
		switch s {
		case Register, Immediate, LocationRegister:
			n++
		case Vector, Label:
			n += dims
		case Stack:
			// not encoded
		}
	}
	return n
}

// Table is the process-wide registry of opcode id -> Entry. It must be
// initialized exactly once; re-registration of an id is an error (spec.md
// §9).
type Table struct {
	mu      sync.RWMutex
	entries map[ID]*Entry
	byName  map[string]ID
}

// NewTable constructs an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[ID]*Entry),
		byName:  make(map[string]ID),
	}
}

// Register adds an entry to the table. Returns an error if e is invalid or
// its id (or name) is already registered.
func (t *Table) Register(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Name == "" {
		return fmt.Errorf("opcode.Table.Register: entry has empty name")
	}
	if e.Execute == nil {
		return fmt.Errorf("opcode.Table.Register: entry %s has no Execute", e.Name)
	}
	if _, exists := t.entries[e.ID]; exists {
		return fmt.Errorf("opcode.Table.Register: opcode %d already registered", e.ID)
	}
	if _, exists := t.byName[e.Name]; exists {
		return fmt.Errorf("opcode.Table.Register: name %q already registered", e.Name)
	}

	entry := e
	t.entries[e.ID] = &entry
	t.byName[e.Name] = e.ID
	return nil
}

// MustRegister panics on error; used for package-init-time registration of
// the built-in instruction set.
func (t *Table) MustRegister(e Entry) {
	if err := t.Register(e); err != nil {
		panic(err)
	}
}

// Lookup returns the entry for id, if registered.
func (t *Table) Lookup(id ID) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// LookupByName returns the entry registered under name.
func (t *Table) LookupByName(name string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return t.entries[id], true
}

// Len reports how many opcodes are registered.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Resolve fetches operand values per entry.OperandSources, idempotently
// (spec.md §4.4 Phase 2): the first call fetches REGISTER/IMMEDIATE/VECTOR/
// LABEL operands from the cells following ip (advancing a local cursor)
// and peeks STACK operands off a snapshot of the organism's data stack
// without popping; subsequent calls in the same tick return the cached
// Operands slice unchanged. A stack-peek underflow marks the instruction
// Failed and leaves Operands empty/partial rather than panicking.
func (inst *Instruction) Resolve(entry *Entry, g *env.Grid, dims int) {
	if inst.resolved {
		return
	}
	inst.resolved = true

	org := inst.Organism
	// The first operand sits in the cell after the opcode.
	cursor := env.TargetCoord(org.IP, unitStep(dims), g.Shape())
	advance := func() env.Coord {
		c := cursor
		cursor = env.TargetCoord(cursor, unitStep(dims), g.Shape())
		return c
	}

	stackSnapshot := org.DataStackSnapshot()
	peekIdx := 0

	operands := make([]Operand, 0, len(entry.OperandSources))
	for _, src := range entry.OperandSources {
		switch src {
		case Register:
			c := advance()
			_, v, _ := g.GetMolecule(c).Decode()
			operands = append(operands, Operand{Source: Register, Reg: int(v)})
		case Immediate:
			c := advance()
			_, v, _ := g.GetMolecule(c).Decode()
			operands = append(operands, Operand{Source: Immediate, Value: v})
		case Label:
			operands = append(operands, Operand{Source: Label, Vector: readVector(g, &cursor, dims)})
		case Vector:
			operands = append(operands, Operand{Source: Vector, Vector: readVector(g, &cursor, dims)})
		case LocationRegister:
			c := advance()
			_, v, _ := g.GetMolecule(c).Decode()
			operands = append(operands, Operand{Source: LocationRegister, Reg: int(v)})
		case Stack:
			n := len(stackSnapshot) - 1 - peekIdx
			peekIdx++
			inst.stackPeeked++
			if n < 0 {
				inst.Failed = true
				inst.Operands = operands
				return
			}
			operands = append(operands, Operand{Source: Stack, Value: stackSnapshot[n]})
		}
	}
	inst.Operands = operands
}

// FailureError wraps an instruction-failure error with a stable Kind string
// (spec.md §7 "per-tick counters of each failure kind are exposed to
// telemetry") — division by zero, label not found, stack underflow, and so
// on each get their own counter rather than a single undifferentiated one.
type FailureError struct {
	Kind string
	Err  error
}

func (f *FailureError) Error() string { return f.Err.Error() }
func (f *FailureError) Unwrap() error { return f.Err }

// Fail builds a FailureError, for use by Entry.Execute implementations that
// want their failure counted under a specific kind.
func Fail(kind, format string, args ...any) error {
	return &FailureError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// CommitStackReads performs the real pops a resolved instruction's STACK
// operands represent, per spec.md §4.4 Phase 4: peeks become pops only on
// a winning, committing instruction.
func (inst *Instruction) CommitStackReads() {
	for i := 0; i < inst.stackPeeked; i++ {
		inst.Organism.PopData()
	}
}

func unitStep(dims int) env.Coord {
	c := make(env.Coord, dims)
	if dims > 0 {
		c[0] = 1
	}
	return c
}

// readVector reads dims signed components starting at *cursor, advancing
// cursor by one cell per component, each along axis 0 (the code stream is
// laid out linearly regardless of grid dimensionality).
func readVector(g *env.Grid, cursor *env.Coord, dims int) []int32 {
	out := make([]int32, dims)
	step := unitStep(len(*cursor))
	for i := 0; i < dims; i++ {
		_, v, _ := g.GetMolecule(*cursor).Decode()
		out[i] = v
		*cursor = env.TargetCoord(*cursor, step, g.Shape())
	}
	return out
}
