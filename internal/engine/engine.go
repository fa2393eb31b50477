// Package engine implements the four-phase tick pipeline spec.md §4.4
// describes: PLAN, RESOLVE, ARBITRATE, COMMIT, run once per tick over every
// live organism in ascending-id order. Grounded on the teacher's
// internal/modules/backtest.Engine shape (a thin struct wrapping the
// injected collaborators it needs — registry, risk params — with a single
// Run-style entry point that is deterministic given its seed), generalized
// from a backtest replay loop to a tick loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/domain/artifact"
	"github.com/evochora/evochora-sub008/internal/domain/cell"
	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/opcode"
	"github.com/evochora/evochora-sub008/internal/domain/organism"
	"github.com/evochora/evochora-sub008/internal/infra/rng"
	"github.com/evochora/evochora-sub008/internal/plugins"
)

// ErrInvariantViolation marks an unrecoverable programmer error (spec.md §7
// kind 3): grid index out of bounds, label-index desynchronization, opcode
// id not registered. Callers that see this wrapped in an error should halt
// the simulation rather than attempt to continue.
var ErrInvariantViolation = errors.New("engine invariant violation")

// Config holds the engine-instance-scoped tunables spec.md §6 lists under
// `engine.*`, plus the plugin collaborators (spec.md §4.8).
type Config struct {
	InstructionEnergyCost decimal.Decimal
	FailureEnergyCost     decimal.Decimal
	EnergyStrategy        plugins.EnergyStrategy
	MutationStrategy      plugins.MutationStrategy
}

// FailureCounts tallies instruction failures by kind for one tick, per
// spec.md §7 "per-tick counters of each failure kind are exposed to
// telemetry".
type FailureCounts map[string]uint64

func (f FailureCounts) increment(kind string) { f[kind]++ }

// TickResult is everything a caller (the driver, or a test) needs from one
// Tick call: the tick number just committed, its failure tally, and any
// energy-strategy side effects for logging/telemetry.
type TickResult struct {
	TickNumber    uint64
	FailureCounts FailureCounts
	SideEffects   []plugins.SideEffect
}

// Engine owns one simulation's grid, label index, opcode table, organism
// table and RNG. Per spec.md §5, an Engine is never shared across
// goroutines; parallelism across simulations means one Engine per
// simulation.
type Engine struct {
	Grid    *env.Grid
	Labels  plugins.LabelMatchStrategy
	Opcodes *opcode.Table
	RNG     plugins.RandomProvider

	EnergyStrategy   plugins.EnergyStrategy
	MutationStrategy plugins.MutationStrategy

	InstructionEnergyCost decimal.Decimal
	FailureEnergyCost     decimal.Decimal

	dims int

	organisms      map[uint32]*organism.Organism
	nextOrganismID uint32

	TickNumber            uint64
	TotalOrganismsCreated uint64
}

// New constructs an Engine over an already-shaped Grid and label index.
// Wiring the grid's label-index hook (Grid.SetLabelIndex) is the caller's
// job, since env deliberately never imports labelindex (see
// internal/domain/env doc comment). Label cells written before the hook is
// wired are not indexed; evocore's composition root wires the index after
// Seed and replays the seeded label cells into it.
func New(g *env.Grid, labels plugins.LabelMatchStrategy, table *opcode.Table, cfg Config) *Engine {
	return &Engine{
		Grid:                  g,
		Labels:                labels,
		Opcodes:               table,
		EnergyStrategy:        cfg.EnergyStrategy,
		MutationStrategy:      cfg.MutationStrategy,
		InstructionEnergyCost: cfg.InstructionEnergyCost,
		FailureEnergyCost:     cfg.FailureEnergyCost,
		dims:                  len(g.Shape()),
		organisms:             make(map[uint32]*organism.Organism),
		nextOrganismID:        1,
	}
}

// Seed consumes a compiler ProgramArtifact once, at construction: it writes
// every placed cell into the grid and derives the engine's root RNG from
// rngSeed. Per spec.md §9 "Self-referential artifacts", the artifact itself
// is not retained — the engine runs artifact-free from here on.
func (e *Engine) Seed(art artifact.ProgramArtifact, rngSeed []byte) error {
	e.RNG = rng.NewRoot(rngSeed)
	for _, pc := range art.Layout {
		word := cell.Encode(pc.Type, pc.Value, pc.Marker)
		e.Grid.SetMolecule(word, pc.Owner, pc.Coord)
	}
	return nil
}

// SpawnOrganism creates and registers a new organism at seed with the given
// starting energy, assigning it the next organism id. Used for initial
// population (the artifact places cells, not organisms — spec.md §6).
func (e *Engine) SpawnOrganism(seed env.Coord, startEnergy decimal.Decimal) *organism.Organism {
	id := e.nextOrganismID
	e.nextOrganismID++
	org := organism.New(id, seed, startEnergy)
	e.organisms[id] = org
	e.TotalOrganismsCreated++
	return org
}

// Organism returns the organism registered under id, if any.
func (e *Engine) Organism(id uint32) (*organism.Organism, bool) {
	org, ok := e.organisms[id]
	return org, ok
}

// Organisms returns every registered organism (live and dead), in ascending
// id order. The returned slice is a fresh copy; mutating it does not affect
// the engine.
func (e *Engine) Organisms() []*organism.Organism {
	ids := make([]uint32, 0, len(e.organisms))
	for id := range e.organisms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*organism.Organism, len(ids))
	for i, id := range ids {
		out[i] = e.organisms[id]
	}
	return out
}

func (e *Engine) liveOrganisms() []*organism.Organism {
	all := e.Organisms()
	out := all[:0]
	for _, o := range all {
		if !o.IsDead {
			out = append(out, o)
		}
	}
	return out
}

// Tick runs the four phases of spec.md §4.4, in order, over every live
// organism in ascending-id order. It returns before doing any work if ctx
// is already canceled — per spec.md §5, cancellation is only ever observed
// between ticks, never mid-tick.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	if err := ctx.Err(); err != nil {
		return TickResult{}, err
	}

	e.TickNumber++
	aliveBefore := make(map[uint32]bool, len(e.organisms))
	for id, o := range e.organisms {
		aliveBefore[id] = !o.IsDead
	}

	live := e.liveOrganisms()

	// Phase 1 — PLAN.
	instructions := make([]*opcode.Instruction, 0, len(live))
	for _, org := range live {
		inst, err := e.plan(org)
		if err != nil {
			return TickResult{}, fmt.Errorf("engine: tick %d: PLAN organism %d: %w", e.TickNumber, org.ID, err)
		}
		instructions = append(instructions, inst)
	}

	// Phase 2 — RESOLVE.
	for _, inst := range instructions {
		entry, ok := e.Opcodes.Lookup(inst.OpID)
		if !ok {
			return TickResult{}, fmt.Errorf("engine: tick %d: %w: opcode %d vanished between PLAN and RESOLVE", e.TickNumber, ErrInvariantViolation, inst.OpID)
		}
		inst.Resolve(entry, e.Grid, e.dims)
	}

	// Phase 3 — ARBITRATE.
	e.arbitrate(instructions)

	// Phase 4 — COMMIT.
	counts := FailureCounts{}
	for _, inst := range instructions {
		e.commit(inst, counts)
	}

	var sideEffects []plugins.SideEffect
	if e.EnergyStrategy != nil {
		sideEffects = e.EnergyStrategy.Apply(e.Grid, e.liveOrganisms(), e.RNG)
	}

	for id, org := range e.organisms {
		if aliveBefore[id] && org.IsDead {
			e.Grid.ClearOwnershipFor(org.OwnerID)
		}
	}

	return TickResult{TickNumber: e.TickNumber, FailureCounts: counts, SideEffects: sideEffects}, nil
}

func (e *Engine) plan(org *organism.Organism) (*opcode.Instruction, error) {
	org.IPBeforeFetch = org.IP.Clone()
	codeOwner := e.Grid.GetOwnerID(org.IP)
	word := e.Grid.GetMolecule(org.IP)
	id := opcode.ID(word.ValueUnsigned())

	entry, ok := e.Opcodes.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: opcode %d not registered", ErrInvariantViolation, id)
	}

	return &opcode.Instruction{
		OpID:          id,
		Organism:      org,
		IPBeforeFetch: org.IPBeforeFetch,
		CodeOwner:     codeOwner,
		EncodedLength: entry.Length(e.dims),
	}, nil
}

// arbitrate implements spec.md §4.4 Phase 3: instructions that don't write
// the grid always win; among instructions writing the same flat index, one
// targeting a live foreign organism's cell is forbidden outright
// (LOST_TARGET_OCCUPIED), and among the rest, the lowest organism id wins
// (LOST_LOWER_ID_WON).
func (e *Engine) arbitrate(instructions []*opcode.Instruction) {
	byTarget := make(map[int][]*opcode.Instruction)
	for _, inst := range instructions {
		if inst.Failed {
			continue
		}
		// RESOLVE already proved inst.OpID is registered; Tick returns before
		// reaching ARBITRATE otherwise.
		entry, _ := e.Opcodes.Lookup(inst.OpID)
		if entry.Target == nil {
			inst.Outcome = opcode.Won
			continue
		}
		flatIdx, writes := entry.Target(inst, e.Grid)
		if !writes {
			inst.Outcome = opcode.Won
			continue
		}
		byTarget[flatIdx] = append(byTarget[flatIdx], inst)
	}

	for flatIdx, writers := range byTarget {
		ownerOfTarget := e.Grid.GetOwnerIDInt(flatIdx)
		eligible := writers[:0]
		for _, w := range writers {
			if ownerOfTarget != 0 && ownerOfTarget != w.Organism.OwnerID && e.isLive(ownerOfTarget) {
				w.Outcome = opcode.LostTargetOccupied
				continue
			}
			eligible = append(eligible, w)
		}
		if len(eligible) == 0 {
			continue
		}
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].Organism.ID < eligible[j].Organism.ID })
		eligible[0].Outcome = opcode.Won
		for _, loser := range eligible[1:] {
			loser.Outcome = opcode.LostLowerIDWon
		}
	}
}

func (e *Engine) isLive(ownerID uint32) bool {
	org, ok := e.organisms[ownerID]
	return ok && !org.IsDead
}

// commit implements spec.md §4.4 Phase 4 for one instruction: losers retry
// next tick untouched; winners pop their peeked stack operands, run their
// semantic effect, pay the instruction's energy cost, and advance ip unless
// the instruction set ip itself.
func (e *Engine) commit(inst *opcode.Instruction, counts FailureCounts) {
	org := inst.Organism

	if inst.Failed {
		e.failInstruction(org, counts, "stack_underflow")
		return
	}
	if inst.Outcome != opcode.Won {
		// LOST_*: no side effects, ip unchanged, retried next tick.
		return
	}

	entry, _ := e.Opcodes.Lookup(inst.OpID)

	inst.CommitStackReads()

	cc := &opcode.ExecContext{
		Grid:       e.Grid,
		Labels:     e.Labels,
		RNG:        e.RNG,
		SpawnChild: e.spawnChild,
	}

	if err := entry.Execute(inst, cc); err != nil {
		e.failInstruction(org, counts, classifyFailure(err))
		return
	}

	org.InstructionFailed = false
	org.TotalInstructionsExecuted++
	org.ApplyEnergyCost(e.InstructionEnergyCost)

	if !entry.SetsIP {
		org.IP = opcode.NextIP(e.Grid, inst.IPBeforeFetch, inst.EncodedLength)
	}
}

func (e *Engine) failInstruction(org *organism.Organism, counts FailureCounts, kind string) {
	org.InstructionFailed = true
	counts.increment(kind)
	org.ApplyEnergyCost(e.FailureEnergyCost)
}

func classifyFailure(err error) string {
	var fe *opcode.FailureError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return "instruction_failure"
}

func (e *Engine) spawnChild(parent *organism.Organism, seed env.Coord, energyToChild decimal.Decimal) (*organism.Organism, error) {
	childID := e.nextOrganismID
	child, err := parent.Fork(childID, seed, energyToChild)
	if err != nil {
		return nil, err
	}
	e.nextOrganismID++
	e.organisms[child.ID] = child
	e.TotalOrganismsCreated++
	return child, nil
}
