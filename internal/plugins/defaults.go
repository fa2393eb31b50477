package plugins

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/organism"
)

// FlatDecayEnergyStrategy is the reference EnergyStrategy (spec.md §4.8):
// every living organism loses a fixed amount of energy each tick,
// regardless of grid state. Richer thermodynamic strategies (photosynthesis,
// shared energy pools, entropy injection) are out of scope; this is the
// minimum needed to exercise the contract and make organisms mortal.
type FlatDecayEnergyStrategy struct {
	DecayPerTick decimal.Decimal
}

var _ EnergyStrategy = (*FlatDecayEnergyStrategy)(nil)

// NewFlatDecayEnergyStrategy constructs a strategy that deducts decayPerTick
// from every living organism's energy each tick.
func NewFlatDecayEnergyStrategy(decayPerTick decimal.Decimal) *FlatDecayEnergyStrategy {
	return &FlatDecayEnergyStrategy{DecayPerTick: decayPerTick}
}

// Apply deducts DecayPerTick from every living organism, recording a
// SideEffect for each organism the decay kills outright.
func (s *FlatDecayEnergyStrategy) Apply(g *env.Grid, organisms []*organism.Organism, rng RandomProvider) []SideEffect {
	var effects []SideEffect
	for _, o := range organisms {
		if o.IsDead {
			continue
		}
		o.ApplyEnergyCost(s.DecayPerTick)
		if o.IsDead {
			effects = append(effects, SideEffect{
				Kind:        "energy_exhausted",
				OrganismID:  o.ID,
				Description: fmt.Sprintf("organism %d died from per-tick decay of %s", o.ID, s.DecayPerTick),
			})
		}
	}
	return effects
}

// State serializes DecayPerTick, the strategy's only state, for
// TickData.pluginStates on a SNAPSHOT tick.
func (s *FlatDecayEnergyStrategy) State() []byte {
	return []byte(s.DecayPerTick.String())
}

// Restore reloads DecayPerTick from a State() snapshot.
func (s *FlatDecayEnergyStrategy) Restore(state []byte) error {
	if len(state) == 0 {
		return nil
	}
	d, err := decimal.NewFromString(string(state))
	if err != nil {
		return fmt.Errorf("FlatDecayEnergyStrategy.Restore: %w", err)
	}
	s.DecayPerTick = d
	return nil
}

// UniformPointMutationStrategy is the reference MutationStrategy (spec.md
// §4.8): with probability Rate, flips one uniformly-chosen byte of the
// genome it is copying. Grounded in the hierarchical rng.Provider contract
// — it never reads from any source but the RandomProvider it is handed, so
// a reproduction event is exactly as reproducible as the rest of a tick.
type UniformPointMutationStrategy struct {
	// Rate is the probability, in [0,1], that Mutate flips a byte at all.
	Rate float64
}

var _ MutationStrategy = (*UniformPointMutationStrategy)(nil)

// NewUniformPointMutationStrategy constructs a strategy with the given
// per-reproduction mutation probability.
func NewUniformPointMutationStrategy(rate float64) *UniformPointMutationStrategy {
	return &UniformPointMutationStrategy{Rate: rate}
}

// Mutate returns a copy of src, with one byte replaced by a uniformly
// random value when the roll against Rate succeeds. An empty src is
// returned unchanged (nothing to mutate).
func (s *UniformPointMutationStrategy) Mutate(src []byte, rng RandomProvider) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	if len(dst) == 0 {
		return dst
	}
	if rng.Float64() < s.Rate {
		idx := rng.IntN(len(dst))
		dst[idx] = byte(rng.IntN(256))
	}
	return dst
}
