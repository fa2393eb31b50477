// Package plugins defines the narrow external-collaborator contracts
// spec.md §4.8 describes: energy/thermodynamics strategies, mutation
// strategies, label-matching strategies, and the hierarchical deterministic
// random provider every other source of randomness in the engine must be
// derived from. Concrete thermodynamic strategy bodies are out of scope
// (spec.md §1); this package only fixes the interfaces and ships the
// deterministic reference implementations needed to exercise them.
package plugins

import (
	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/organism"
)

// RandomProvider is a hierarchical deterministic random source. Every
// random decision anywhere in the engine must flow through a RandomProvider
// — never a package-global RNG — so that a fixed root seed reproduces a
// tick bit-for-bit (spec.md §4.4 Determinism, §9).
type RandomProvider interface {
	// Float64 returns a uniform random value in [0, 1).
	Float64() float64
	// IntN returns a uniform random value in [0, n).
	IntN(n int) int
	// DeriveFor returns an independent sub-stream keyed by namespace and
	// index, so adding a new consumer never perturbs existing streams.
	DeriveFor(namespace string, index uint64) RandomProvider
}

// SideEffect is an opaque, loggable description of what an EnergyStrategy
// did during a tick (energy injected/absorbed, entropy cells emitted,
// organisms marked dead). The engine never interprets its contents; it
// only records it for telemetry.
type SideEffect struct {
	Kind        string
	OrganismID  uint32
	FlatIndex   int
	Description string
}

// EnergyStrategy is called once per tick, after COMMIT, with the
// post-commit grid and organism table. It may mutate both (inject/absorb
// energy, emit entropy cells, mark organisms dead) and must be
// deterministic given its own serialized state.
type EnergyStrategy interface {
	Apply(g *env.Grid, organisms []*organism.Organism, rng RandomProvider) []SideEffect
	// State returns an opaque snapshot of the strategy's own state, stored
	// into TickData.pluginStates on SNAPSHOT ticks.
	State() []byte
	// Restore loads a previously captured state snapshot.
	Restore(state []byte) error
}

// MutationStrategy transforms a source code region into a (possibly
// modified) destination region. The engine carries one in its Config, but no
// instruction calls it: FORK spawns the child without copying or mutating
// any code.
type MutationStrategy interface {
	Mutate(src []byte, rng RandomProvider) (dst []byte)
}

// LabelMatchStrategy is the interface described in spec.md §4.2. The
// reference implementation (internal/domain/labelindex.Index) is the
// default; alternative implementations may be substituted provided the
// scoring contract in spec.md §4.2 is preserved exactly.
type LabelMatchStrategy interface {
	FindTarget(searchValue uint32, codeOwner uint32, callerCoords env.Coord) (flatIdx int, found bool)
}
