package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/domain/env"
	libtesting "github.com/evochora/evochora-sub008/libs/testing"
)

func TestTickFuzzyJumpWithinTolerance(t *testing.T) {
	e := newTestEngine(t, []int{8, 8})
	g := e.Grid

	org := e.SpawnOrganism(env.Coord{0, 0}, decimal.NewFromInt(100))

	jmpi := mustEntry(t, "JMPI")
	writeOp(g, env.Coord{0, 0}, org.OwnerID, jmpi.ID)
	writeImm(g, env.Coord{1, 0}, org.OwnerID, int32(0xABCDE))

	// The only label sits at Hamming distance 1 from the operand
	// (0xABCDE ^ 0xABCDC = 0x2); the
	// index must still resolve it within the default tolerance.
	writeLabel(g, env.Coord{4, 4}, org.OwnerID, int32(0xABCDC))

	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if org.InstructionFailed {
		t.Fatal("fuzzy jump flagged as failed")
	}
	if org.IP[0] != 4 || org.IP[1] != 4 {
		t.Fatalf("IP = %v, want [4 4]", org.IP)
	}
}

func TestTickFuzzyJumpBeyondToleranceFails(t *testing.T) {
	e := newTestEngine(t, []int{8, 8})
	g := e.Grid

	org := e.SpawnOrganism(env.Coord{0, 0}, decimal.NewFromInt(100))

	jmpi := mustEntry(t, "JMPI")
	writeOp(g, env.Coord{0, 0}, org.OwnerID, jmpi.ID)
	writeImm(g, env.Coord{1, 0}, org.OwnerID, int32(0xABCDE))
	writeLabel(g, env.Coord{4, 4}, org.OwnerID, int32(0xABCDE^0b111)) // Hamming 3

	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !org.InstructionFailed {
		t.Fatal("jump to a label at Hamming T+1 must fail")
	}
	if org.IP[0] != 0 || org.IP[1] != 0 {
		t.Fatalf("failed instruction advanced IP to %v", org.IP)
	}
}

// Given identical world state, seed and ordering, a run is bit-exact
// reproducible.
func TestRunIsBitExactReproducible(t *testing.T) {
	runWorld := func() any {
		e := newTestEngine(t, []int{12})
		g := e.Grid

		org := e.SpawnOrganism(env.Coord{0}, decimal.NewFromInt(500))
		jmpi := mustEntry(t, "JMPI")
		nop := mustEntry(t, "NOP")
		// A closed loop: NOPs everywhere, one JMPI whose target label's
		// value doubles as a NOP opcode, so landing on it keeps executing.
		for i := 0; i < 12; i++ {
			writeOp(g, env.Coord{i}, org.OwnerID, nop.ID)
		}
		writeOp(g, env.Coord{1}, org.OwnerID, jmpi.ID)
		writeImm(g, env.Coord{2}, org.OwnerID, int32(nop.ID))
		writeLabel(g, env.Coord{6}, org.OwnerID, int32(nop.ID))

		type tickTrace struct {
			IP       []int
			Energy   string
			Failures map[string]uint64
		}
		var trace []tickTrace
		for i := 0; i < 20; i++ {
			res, err := e.Tick(context.Background())
			if err != nil {
				t.Fatalf("Tick %d: %v", i, err)
			}
			trace = append(trace, tickTrace{
				IP:       append([]int(nil), org.IP...),
				Energy:   org.Energy.String(),
				Failures: res.FailureCounts,
			})
		}
		return trace
	}

	libtesting.AssertDeterministic(t, runWorld)
}
