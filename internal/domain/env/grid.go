// Package env implements the flat-packed n-dimensional toroidal grid: the
// physical substrate organisms live in and mutate. A grid owns cell
// content, per-cell ownership, a change-tracking bitmap, and (via the
// LabelIndex hook) keeps the fuzzy label index in lockstep with every
// mutation, per the single-funnel-method discipline spec.md §9 calls for.
package env

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/evochora/evochora-sub008/internal/domain/cell"
)

// LabelIndex is the narrow hook the grid notifies on every mutation that
// could affect a LABEL cell. Implementations live in
// internal/domain/labelindex; env never imports that package, avoiding a
// cycle — the index is wired in by the composition root.
type LabelIndex interface {
	// OnCellMutated is called after every grid write, funnel-ordered:
	// grid content, then ownership, then bitmap, then this call.
	OnCellMutated(flatIdx int, oldWord, newWord cell.Word, oldOwner, newOwner uint32)
}

type noopLabelIndex struct{}

func (noopLabelIndex) OnCellMutated(int, cell.Word, cell.Word, uint32, uint32) {}

// Grid is a fixed-shape toroidal n-dimensional array of cells.
type Grid struct {
	shape   []int
	strides []int
	size    int

	cells  []cell.Word
	owners []uint32
	// ownerCells supports clearOwnershipFor without a full scan.
	ownerCells map[uint32]map[int]struct{}

	changed *roaring.Bitmap
	index   LabelIndex
}

// New constructs a Grid of the given shape. Every dimension must be > 0;
// an out-of-range shape fails fast, per spec.md §4.1.
func New(shape []int) (*Grid, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("env.New: shape must have at least one dimension")
	}
	size := 1
	for i, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("env.New: dimension %d has non-positive size %d", i, d)
		}
		size *= d
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Grid{
		shape:      shapeCopy,
		strides:    strides(shapeCopy),
		size:       size,
		cells:      make([]cell.Word, size),
		owners:     make([]uint32, size),
		ownerCells: make(map[uint32]map[int]struct{}),
		changed:    roaring.New(),
		index:      noopLabelIndex{},
	}, nil
}

// SetLabelIndex wires the grid's label-index hook. Must be called before
// any label cells are written for the invariant in spec.md §3 to hold.
func (g *Grid) SetLabelIndex(idx LabelIndex) {
	if idx == nil {
		idx = noopLabelIndex{}
	}
	g.index = idx
}

// Shape returns the grid's dimensions. The returned slice must not be
// mutated by callers.
func (g *Grid) Shape() []int { return g.shape }

// Size returns the total number of cells (product of all dimensions).
func (g *Grid) Size() int { return g.size }

// FlatIndex converts a coordinate to a flat index, wrapping toroidally.
func (g *Grid) FlatIndex(c Coord) int {
	return flatten(g.shape, g.strides, c)
}

// Coord converts a flat index back to a coordinate.
func (g *Grid) Coord(flatIdx int) Coord {
	return unflatten(g.shape, g.strides, flatIdx)
}

// GetMolecule returns the cell at coord.
func (g *Grid) GetMolecule(c Coord) cell.Word {
	return g.cells[g.FlatIndex(c)]
}

// GetMoleculeInt returns the raw cell word at a flat index.
func (g *Grid) GetMoleculeInt(flatIdx int) cell.Word {
	return g.cells[flatIdx]
}

// GetOwnerID returns the owner of the cell at coord (0 = no owner).
func (g *Grid) GetOwnerID(c Coord) uint32 {
	return g.owners[g.FlatIndex(c)]
}

// GetOwnerIDInt returns the owner of the cell at a flat index.
func (g *Grid) GetOwnerIDInt(flatIdx int) uint32 {
	return g.owners[flatIdx]
}

// SetMolecule replaces the cell at coord, updates ownership, marks the
// change bitmap, and notifies the label index — in that fixed order, as a
// single funnel so the grid/ownership/bitmap/index invariant in spec.md §3
// can never be observed half-updated.
func (g *Grid) SetMolecule(w cell.Word, owner uint32, c Coord) {
	flat := g.FlatIndex(c)
	g.mutate(flat, w, owner)
}

// TransferOwnership atomically changes the owner of the cell at coord and
// clears its marker, notifying the label index.
func (g *Grid) TransferOwnership(c Coord, newOwner uint32) {
	flat := g.FlatIndex(c)
	old := g.cells[flat]
	typ, value, _ := old.Decode()
	cleared := cell.Encode(typ, value, 0)
	g.mutate(flat, cleared, newOwner)
}

// mutate is the single funnel every content/ownership change passes
// through: grid content, ownership, bitmap, label index — in that order.
func (g *Grid) mutate(flat int, newWord cell.Word, newOwner uint32) {
	oldWord := g.cells[flat]
	oldOwner := g.owners[flat]

	g.cells[flat] = newWord
	g.setOwner(flat, oldOwner, newOwner)
	g.changed.Add(uint32(flat))
	g.index.OnCellMutated(flat, oldWord, newWord, oldOwner, newOwner)
}

func (g *Grid) setOwner(flat int, oldOwner, newOwner uint32) {
	if oldOwner == newOwner {
		return
	}
	g.owners[flat] = newOwner
	if oldOwner != 0 {
		if set, ok := g.ownerCells[oldOwner]; ok {
			delete(set, flat)
			if len(set) == 0 {
				delete(g.ownerCells, oldOwner)
			}
		}
	}
	if newOwner != 0 {
		set, ok := g.ownerCells[newOwner]
		if !ok {
			set = make(map[int]struct{})
			g.ownerCells[newOwner] = set
		}
		set[flat] = struct{}{}
	}
}

// ClearOwnershipFor bulk-releases every cell owned by organismID, leaving
// cell content untouched but resetting ownership to 0 and notifying the
// label index for each released cell.
func (g *Grid) ClearOwnershipFor(organismID uint32) {
	set, ok := g.ownerCells[organismID]
	if !ok {
		return
	}
	flats := make([]int, 0, len(set))
	for flat := range set {
		flats = append(flats, flat)
	}
	for _, flat := range flats {
		word := g.cells[flat]
		g.mutate(flat, word, 0)
	}
}

// ForEachOccupiedIndex iterates every non-empty cell's flat index, for
// snapshot extraction.
func (g *Grid) ForEachOccupiedIndex(fn func(flatIdx int)) {
	for i, w := range g.cells {
		if !w.IsEmpty() {
			fn(i)
		}
	}
}

// GetChangedIndices returns the bitmap of cells mutated since the last
// ResetChangeTracking call. The returned bitmap must not be mutated by the
// caller; clone it first if mutation is required.
func (g *Grid) GetChangedIndices() *roaring.Bitmap {
	return g.changed
}

// ResetChangeTracking clears the change bitmap.
func (g *Grid) ResetChangeTracking() {
	g.changed = roaring.New()
}
