package opcode

import (
	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/domain/cell"
	"github.com/evochora/evochora-sub008/internal/domain/env"
)

// Builtins is the process-wide instruction table, registered exactly once
// at package init (spec.md §9 "Global mutable state... initialize it
// exactly once"). It ships the subset of the ~193-entry opcode contract
// (spec.md §1 treats the full table as an external, compiler-paired
// artifact) needed to make spec.md §8's seeded end-to-end scenarios and a
// representative slice of every family runnable.
var Builtins = NewTable()

func init() {
	registerControlFlow(Builtins)
	registerArithmetic(Builtins)
	registerBitwise(Builtins)
	registerDataMovement(Builtins)
	registerConditional(Builtins)
	registerEnvironment(Builtins)
	registerState(Builtins)
	registerLocation(Builtins)
	registerVector(Builtins)
	registerSpecial(Builtins)
}

// NextIP computes the default post-commit ip: ip advanced by length cells
// along axis 0, wrapped toroidally — the advance every instruction gets
// unless it sets ip itself (spec.md §4.4 Phase 4).
func NextIP(g *env.Grid, ip env.Coord, length int) env.Coord {
	step := make(env.Coord, len(ip))
	if len(step) > 0 {
		step[0] = length
	}
	return env.TargetCoord(ip, step, g.Shape())
}

func toCoord(v []int32) env.Coord {
	c := make(env.Coord, len(v))
	for i, x := range v {
		c[i] = int(x)
	}
	return c
}

// ─── Control flow (JMPI, CALLI, RET) ──────────────────────────────────────

func registerControlFlow(t *Table) {
	t.MustRegister(Entry{
		ID:             Encode(FamilyControlFlow, 0, int(VariantI)),
		Name:           "JMPI",
		OperandSources: OperandSources(VariantI),
		SetsIP:         true,
		Execute: func(inst *Instruction, cc *ExecContext) error {
			searchValue := uint32(inst.Operands[0].Value)
			flatIdx, found := cc.Labels.FindTarget(searchValue, inst.CodeOwner, inst.IPBeforeFetch)
			if !found {
				return Fail("label_not_found", "JMPI: label %#x not found", searchValue)
			}
			inst.Organism.IP = cc.Grid.Coord(flatIdx)
			return nil
		},
	})

	t.MustRegister(Entry{
		ID:             Encode(FamilyControlFlow, 1, int(VariantI)),
		Name:           "CALLI",
		OperandSources: OperandSources(VariantI),
		SetsIP:         true,
		Execute: func(inst *Instruction, cc *ExecContext) error {
			searchValue := uint32(inst.Operands[0].Value)
			flatIdx, found := cc.Labels.FindTarget(searchValue, inst.CodeOwner, inst.IPBeforeFetch)
			if !found {
				return Fail("label_not_found", "CALLI: label %#x not found", searchValue)
			}
			returnTo := NextIP(cc.Grid, inst.IPBeforeFetch, inst.EncodedLength)
			inst.Organism.PushCall(returnTo)
			inst.Organism.IP = cc.Grid.Coord(flatIdx)
			return nil
		},
	})

	t.MustRegister(Entry{
		ID:             Encode(FamilyControlFlow, 2, int(VariantNone)),
		Name:           "RET",
		OperandSources: OperandSources(VariantNone),
		SetsIP:         true,
		Execute: func(inst *Instruction, cc *ExecContext) error {
			c, ok := inst.Organism.PopCall()
			if !ok {
				return Fail("call_stack_underflow", "RET: call stack underflow")
			}
			inst.Organism.IP = c
			return nil
		},
	})
}

// ─── Arithmetic ────────────────────────────────────────────────────────────

func registerArithmetic(t *Table) {
	binop := func(op int, name string, fn func(a, b int32) (int32, error)) {
		t.MustRegister(Entry{
			ID:             Encode(FamilyArithmetic, op, int(VariantRR)),
			Name:           name,
			OperandSources: OperandSources(VariantRR),
			Execute: func(inst *Instruction, cc *ExecContext) error {
				dst, src := inst.Operands[0].Reg, inst.Operands[1].Reg
				result, err := fn(inst.Organism.ReadRegister(dst), inst.Organism.ReadRegister(src))
				if err != nil {
					return err
				}
				inst.Organism.WriteRegister(dst, result)
				return nil
			},
		})
	}
	binop(0, "ADD", func(a, b int32) (int32, error) { return a + b, nil })
	binop(1, "SUB", func(a, b int32) (int32, error) { return a - b, nil })
	binop(2, "MUL", func(a, b int32) (int32, error) { return a * b, nil })
	binop(3, "DIV", func(a, b int32) (int32, error) {
		if b == 0 {
			return 0, Fail("division_by_zero", "DIV: division by zero")
		}
		return a / b, nil
	})

	t.MustRegister(Entry{
		ID:             Encode(FamilyArithmetic, 4, int(VariantRI)),
		Name:           "ADDI",
		OperandSources: OperandSources(VariantRI),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			dst := inst.Operands[0].Reg
			inst.Organism.WriteRegister(dst, inst.Organism.ReadRegister(dst)+inst.Operands[1].Value)
			return nil
		},
	})
}

// ─── Bitwise ───────────────────────────────────────────────────────────────

func registerBitwise(t *Table) {
	binop := func(op int, name string, fn func(a, b int32) int32) {
		t.MustRegister(Entry{
			ID:             Encode(FamilyBitwise, op, int(VariantRR)),
			Name:           name,
			OperandSources: OperandSources(VariantRR),
			Execute: func(inst *Instruction, cc *ExecContext) error {
				dst, src := inst.Operands[0].Reg, inst.Operands[1].Reg
				inst.Organism.WriteRegister(dst, fn(inst.Organism.ReadRegister(dst), inst.Organism.ReadRegister(src)))
				return nil
			},
		})
	}
	binop(0, "AND", func(a, b int32) int32 { return a & b })
	binop(1, "OR", func(a, b int32) int32 { return a | b })
	binop(2, "XOR", func(a, b int32) int32 { return a ^ b })

	t.MustRegister(Entry{
		ID:             Encode(FamilyBitwise, 3, int(VariantR)),
		Name:           "NOT",
		OperandSources: OperandSources(VariantR),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			dst := inst.Operands[0].Reg
			inst.Organism.WriteRegister(dst, ^inst.Organism.ReadRegister(dst))
			return nil
		},
	})
}

// ─── Data movement ─────────────────────────────────────────────────────────

func registerDataMovement(t *Table) {
	t.MustRegister(Entry{
		ID:             Encode(FamilyDataMovement, 0, int(VariantRI)),
		Name:           "SET",
		OperandSources: OperandSources(VariantRI),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			inst.Organism.WriteRegister(inst.Operands[0].Reg, inst.Operands[1].Value)
			return nil
		},
	})
	t.MustRegister(Entry{
		ID:             Encode(FamilyDataMovement, 1, int(VariantRR)),
		Name:           "MOV",
		OperandSources: OperandSources(VariantRR),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			inst.Organism.WriteRegister(inst.Operands[0].Reg, inst.Organism.ReadRegister(inst.Operands[1].Reg))
			return nil
		},
	})
	t.MustRegister(Entry{
		ID:             Encode(FamilyDataMovement, 2, int(VariantI)),
		Name:           "PUSH",
		OperandSources: OperandSources(VariantI),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			inst.Organism.PushData(inst.Operands[0].Value)
			return nil
		},
	})
	t.MustRegister(Entry{
		ID:             Encode(FamilyDataMovement, 3, int(VariantSS)),
		Name:           "ADDS",
		OperandSources: OperandSources(VariantSS),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			inst.Organism.PushData(inst.Operands[0].Value + inst.Operands[1].Value)
			return nil
		},
	})
	t.MustRegister(Entry{
		ID:             Encode(FamilyDataMovement, 4, int(VariantS)),
		Name:           "DUP",
		OperandSources: OperandSources(VariantS),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			inst.Organism.PushData(inst.Operands[0].Value)
			inst.Organism.PushData(inst.Operands[0].Value)
			return nil
		},
	})
}

// ─── Conditional ───────────────────────────────────────────────────────────

func registerConditional(t *Table) {
	t.MustRegister(Entry{
		ID:             Encode(FamilyConditional, 0, int(VariantRL)),
		Name:           "JZR",
		OperandSources: OperandSources(VariantRL),
		SetsIP:         true,
		Execute: func(inst *Instruction, cc *ExecContext) error {
			val := inst.Organism.ReadRegister(inst.Operands[0].Reg)
			if val != 0 {
				inst.Organism.IP = NextIP(cc.Grid, inst.IPBeforeFetch, inst.EncodedLength)
				return nil
			}
			lrID := inst.Operands[1].Reg
			if lrID < 0 || lrID >= len(inst.Organism.LocationRegisters) {
				return Fail("location_register_invalid", "JZR: location register %d out of range", lrID)
			}
			target := inst.Organism.LocationRegisters[lrID]
			if target == nil {
				return Fail("location_register_invalid", "JZR: location register %d is unset", lrID)
			}
			inst.Organism.IP = target.Clone()
			return nil
		},
	})
}

// ─── Environment (grid read/write) ─────────────────────────────────────────

func registerEnvironment(t *Table) {
	t.MustRegister(Entry{
		ID:             Encode(FamilyEnvironment, 0, int(VariantRV)),
		Name:           "PEEK",
		OperandSources: OperandSources(VariantRV),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			coord := env.TargetCoord(inst.Organism.ActiveDataPointer(), toCoord(inst.Operands[1].Vector), cc.Grid.Shape())
			_, v, _ := cc.Grid.GetMolecule(coord).Decode()
			inst.Organism.WriteRegister(inst.Operands[0].Reg, v)
			return nil
		},
	})
	t.MustRegister(Entry{
		ID:             Encode(FamilyEnvironment, 1, int(VariantRV)),
		Name:           "POKE",
		OperandSources: OperandSources(VariantRV),
		Target: func(inst *Instruction, g *env.Grid) (int, bool) {
			coord := env.TargetCoord(inst.Organism.ActiveDataPointer(), toCoord(inst.Operands[1].Vector), g.Shape())
			return g.FlatIndex(coord), true
		},
		Execute: func(inst *Instruction, cc *ExecContext) error {
			coord := env.TargetCoord(inst.Organism.ActiveDataPointer(), toCoord(inst.Operands[1].Vector), cc.Grid.Shape())
			value := inst.Organism.ReadRegister(inst.Operands[0].Reg)
			cc.Grid.SetMolecule(cell.Encode(cell.Data, value, 0), inst.Organism.OwnerID, coord)
			return nil
		},
	})
}

// ─── State ──────────────────────────────────────────────────────────────────

func registerState(t *Table) {
	t.MustRegister(Entry{
		ID:             Encode(FamilyState, 0, int(VariantNone)),
		Name:           "NOP",
		OperandSources: OperandSources(VariantNone),
		Execute:        func(inst *Instruction, cc *ExecContext) error { return nil },
	})
	t.MustRegister(Entry{
		ID:             Encode(FamilyState, 1, int(VariantNone)),
		Name:           "HALT",
		OperandSources: OperandSources(VariantNone),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			inst.Organism.Kill()
			return nil
		},
	})
}

// ─── Location ───────────────────────────────────────────────────────────────

func registerLocation(t *Table) {
	t.MustRegister(Entry{
		ID:             Encode(FamilyLocation, 0, int(VariantR)),
		Name:           "SETDP",
		OperandSources: OperandSources(VariantR),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			idx := int(inst.Organism.ReadRegister(inst.Operands[0].Reg))
			return inst.Organism.SetActiveDataPointer(idx)
		},
	})
	t.MustRegister(Entry{
		ID:             Encode(FamilyLocation, 1, int(VariantNone)),
		Name:           "STEP",
		OperandSources: OperandSources(VariantNone),
		SetsIP:         true,
		Execute: func(inst *Instruction, cc *ExecContext) error {
			inst.Organism.IP = env.TargetCoord(inst.Organism.IP, inst.Organism.DV, cc.Grid.Shape())
			return nil
		},
	})
}

// ─── Vector ─────────────────────────────────────────────────────────────────

func registerVector(t *Table) {
	t.MustRegister(Entry{
		ID:             Encode(FamilyVector, 0, int(VariantV)),
		Name:           "MOVEIP",
		OperandSources: OperandSources(VariantV),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			inst.Organism.DV = toCoord(inst.Operands[0].Vector)
			return nil
		},
	})
	t.MustRegister(Entry{
		ID:             Encode(FamilyVector, 1, int(VariantRV)),
		Name:           "VADD",
		OperandSources: OperandSources(VariantRV),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			idx := int(inst.Organism.ReadRegister(inst.Operands[0].Reg))
			if idx < 0 || idx >= len(inst.Organism.DataPointers) {
				return Fail("data_pointer_out_of_range", "VADD: data pointer %d out of range", idx)
			}
			inst.Organism.DataPointers[idx] = env.TargetCoord(inst.Organism.DataPointers[idx], toCoord(inst.Operands[1].Vector), cc.Grid.Shape())
			return nil
		},
	})
}

// ─── Special ────────────────────────────────────────────────────────────────

func registerSpecial(t *Table) {
	t.MustRegister(Entry{
		ID:             Encode(FamilySpecial, 0, int(VariantL)),
		Name:           "FORK",
		OperandSources: OperandSources(VariantL),
		Execute: func(inst *Instruction, cc *ExecContext) error {
			if cc.SpawnChild == nil {
				return Fail("fork_unwired", "FORK: spawning not wired")
			}
			lrID := inst.Operands[0].Reg
			if lrID < 0 || lrID >= len(inst.Organism.LocationRegisters) {
				return Fail("location_register_invalid", "FORK: location register %d out of range", lrID)
			}
			seed := inst.Organism.LocationRegisters[lrID]
			if seed == nil {
				return Fail("location_register_invalid", "FORK: location register %d is unset", lrID)
			}
			half := inst.Organism.Energy.Div(decimal.NewFromInt(2))
			_, err := cc.SpawnChild(inst.Organism, seed.Clone(), half)
			return err
		},
	})
}
