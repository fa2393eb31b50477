package plugins

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/organism"
)

type fixedRNG struct {
	f64 float64
	n   int
}

func (r fixedRNG) Float64() float64                              { return r.f64 }
func (r fixedRNG) IntN(n int) int                                 { return r.n % n }
func (r fixedRNG) DeriveFor(namespace string, index uint64) RandomProvider { return r }

func TestFlatDecayKillsAtZeroEnergy(t *testing.T) {
	g, err := env.New([]int{4})
	if err != nil {
		t.Fatal(err)
	}
	org := organism.New(1, env.Coord{0}, decimal.NewFromInt(5))
	strategy := NewFlatDecayEnergyStrategy(decimal.NewFromInt(5))

	effects := strategy.Apply(g, []*organism.Organism{org}, fixedRNG{})
	if !org.IsDead {
		t.Fatal("expected organism to die when decay consumes all energy")
	}
	if len(effects) != 1 || effects[0].Kind != "energy_exhausted" {
		t.Fatalf("expected one energy_exhausted side effect, got %+v", effects)
	}
}

func TestFlatDecaySkipsDeadOrganisms(t *testing.T) {
	g, err := env.New([]int{4})
	if err != nil {
		t.Fatal(err)
	}
	org := organism.New(1, env.Coord{0}, decimal.NewFromInt(5))
	org.Kill()
	strategy := NewFlatDecayEnergyStrategy(decimal.NewFromInt(5))

	effects := strategy.Apply(g, []*organism.Organism{org}, fixedRNG{})
	if len(effects) != 0 {
		t.Fatalf("expected no side effects for an already-dead organism, got %+v", effects)
	}
}

func TestFlatDecayStateRoundTrip(t *testing.T) {
	strategy := NewFlatDecayEnergyStrategy(decimal.NewFromInt(3))
	snap := strategy.State()

	restored := NewFlatDecayEnergyStrategy(decimal.Zero)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restored.DecayPerTick.Equal(strategy.DecayPerTick) {
		t.Fatalf("restored decay = %s, want %s", restored.DecayPerTick, strategy.DecayPerTick)
	}
}

func TestUniformPointMutationRespectsRate(t *testing.T) {
	src := []byte{1, 2, 3, 4}

	never := NewUniformPointMutationStrategy(0)
	if got := never.Mutate(src, fixedRNG{f64: 0.5, n: 1}); string(got) != string(src) {
		t.Fatalf("rate 0 must never mutate: got %v, want %v", got, src)
	}

	always := NewUniformPointMutationStrategy(1)
	got := always.Mutate(src, fixedRNG{f64: 0, n: 2})
	if len(got) != len(src) {
		t.Fatalf("mutation must preserve length: got %d, want %d", len(got), len(src))
	}
	if got[2] == src[2] {
		t.Fatal("expected byte at the rng-chosen index to change")
	}
	for i, b := range got {
		if i != 2 && b != src[i] {
			t.Fatalf("expected only index 2 to change, but index %d changed too", i)
		}
	}
}

func TestUniformPointMutationEmptySrc(t *testing.T) {
	s := NewUniformPointMutationStrategy(1)
	if got := s.Mutate(nil, fixedRNG{}); len(got) != 0 {
		t.Fatalf("expected empty output for empty input, got %v", got)
	}
}
