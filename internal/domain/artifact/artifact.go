// Package artifact defines the engine's one contact point with the
// out-of-scope compiler front end (spec.md §6 "Compiler → engine"):
// ProgramArtifact is a plain data structure describing where to place cells
// and what label names resolve to, consumed once at seed time. Nothing in
// internal/engine imports a compiler package — the artifact is a
// construction parameter, not a runtime dependency (spec.md §9
// "Self-referential artifacts").
package artifact

import (
	"github.com/evochora/evochora-sub008/internal/domain/cell"
	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/opcode"
)

// PlacedCell is one cell the compiler wants written into the grid at seed
// time.
type PlacedCell struct {
	Coord  env.Coord
	Type   cell.Type
	Value  int32
	Marker uint8
	Owner  uint32
}

// ProgramArtifact is the compiler's entire output, as far as the engine is
// concerned: a layout to place, and the label/operand-source tables needed
// to interpret it. The engine never reads from this structure again after
// Engine.Seed returns — self-modifying code is permitted, and the artifact
// is not kept around to be consulted later.
type ProgramArtifact struct {
	Layout []PlacedCell

	// LabelNames maps a symbolic label name to its 20-bit hash value.
	LabelNames map[string]uint32
	// ReverseLabelNames maps a hash value back to a name, for visualization
	// tooling outside this repository's scope.
	ReverseLabelNames map[uint32]string

	// OperandSources lists the operand-source signature for any
	// dynamically registered opcode the compiler relied on, beyond the
	// engine's built-in table.
	OperandSources map[opcode.ID][]opcode.OperandSource
}
