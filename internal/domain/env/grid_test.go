package env

import (
	"testing"

	"github.com/evochora/evochora-sub008/internal/domain/cell"
)

func TestFlatIndexCoordRoundTrip(t *testing.T) {
	g, err := New([]int{8, 8})
	if err != nil {
		t.Fatal(err)
	}
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			c := Coord{x, y}
			flat := g.FlatIndex(c)
			back := g.Coord(flat)
			if back[0] != c[0] || back[1] != c[1] {
				t.Fatalf("round trip failed for %v: got %v", c, back)
			}
		}
	}
}

func TestFlatIndexRowMajor(t *testing.T) {
	g, err := New([]int{8, 8})
	if err != nil {
		t.Fatal(err)
	}
	// (x,y) = y*8+x per spec.md's literal scenarios.
	if got := g.FlatIndex(Coord{1, 0}); got != 1 {
		t.Fatalf("FlatIndex({1,0}) = %d, want 1", got)
	}
	if got := g.FlatIndex(Coord{4, 4}); got != 36 {
		t.Fatalf("FlatIndex({4,4}) = %d, want 36", got)
	}
}

func TestToroidalWrapIsNoOp(t *testing.T) {
	shape := []int{8, 8}
	origin := Coord{3, 5}
	moved := TargetCoord(origin, Coord{8, 0}, shape)
	if moved[0] != origin[0] || moved[1] != origin[1] {
		t.Fatalf("moving by +shape[i] must be a no-op: got %v, want %v", moved, origin)
	}
}

func TestToroidalWrapNegative(t *testing.T) {
	shape := []int{8, 8}
	moved := TargetCoord(Coord{0, 0}, Coord{-1, -1}, shape)
	if moved[0] != 7 || moved[1] != 7 {
		t.Fatalf("TargetCoord({0,0},{-1,-1}) = %v, want {7,7}", moved)
	}
}

func TestNewRejectsNonPositiveDimension(t *testing.T) {
	if _, err := New([]int{8, 0}); err == nil {
		t.Fatal("expected error for zero dimension")
	}
	if _, err := New([]int{8, -1}); err == nil {
		t.Fatal("expected error for negative dimension")
	}
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty shape")
	}
}

func TestSetMoleculeUpdatesBitmapExactly(t *testing.T) {
	g, _ := New([]int{4, 4})
	g.ResetChangeTracking()

	g.SetMolecule(cell.Encode(cell.Data, 5, 0), 1, Coord{1, 1})
	g.SetMolecule(cell.Encode(cell.Data, 7, 0), 1, Coord{2, 2})

	changed := g.GetChangedIndices()
	want := map[uint32]bool{
		uint32(g.FlatIndex(Coord{1, 1})): true,
		uint32(g.FlatIndex(Coord{2, 2})): true,
	}
	if int(changed.GetCardinality()) != len(want) {
		t.Fatalf("expected %d changed cells, got %d", len(want), changed.GetCardinality())
	}
	it := changed.Iterator()
	for it.HasNext() {
		if !want[it.Next()] {
			t.Fatalf("unexpected index in change bitmap")
		}
	}
}

func TestResetChangeTrackingClearsBitmap(t *testing.T) {
	g, _ := New([]int{4, 4})
	g.SetMolecule(cell.Encode(cell.Data, 1, 0), 1, Coord{0, 0})
	g.ResetChangeTracking()
	if g.GetChangedIndices().GetCardinality() != 0 {
		t.Fatal("expected empty bitmap after reset")
	}
}

func TestTransferOwnershipClearsMarker(t *testing.T) {
	g, _ := New([]int{4, 4})
	g.SetMolecule(cell.Encode(cell.Label, 42, 3), 1, Coord{0, 0})
	g.TransferOwnership(Coord{0, 0}, 2)

	if got := g.GetOwnerID(Coord{0, 0}); got != 2 {
		t.Fatalf("owner = %d, want 2", got)
	}
	w := g.GetMolecule(Coord{0, 0})
	if w.Marker() != 0 {
		t.Fatalf("marker = %d, want 0 after transfer", w.Marker())
	}
	if w.Value() != 42 {
		t.Fatalf("value must survive ownership transfer, got %d", w.Value())
	}
}

func TestClearOwnershipForBulkReleases(t *testing.T) {
	g, _ := New([]int{4, 4})
	g.SetMolecule(cell.Encode(cell.Code, 1, 0), 7, Coord{0, 0})
	g.SetMolecule(cell.Encode(cell.Code, 2, 0), 7, Coord{1, 1})
	g.SetMolecule(cell.Encode(cell.Code, 3, 0), 9, Coord{2, 2})

	g.ClearOwnershipFor(7)

	if g.GetOwnerID(Coord{0, 0}) != 0 {
		t.Fatal("cell (0,0) should be released")
	}
	if g.GetOwnerID(Coord{1, 1}) != 0 {
		t.Fatal("cell (1,1) should be released")
	}
	if g.GetOwnerID(Coord{2, 2}) != 9 {
		t.Fatal("cell (2,2) owned by a different organism must be untouched")
	}
}

func TestForEachOccupiedIndexSkipsEmpty(t *testing.T) {
	g, _ := New([]int{2, 2})
	g.SetMolecule(cell.Encode(cell.Data, 1, 0), 1, Coord{0, 0})

	var found []int
	g.ForEachOccupiedIndex(func(flat int) {
		found = append(found, flat)
	})
	if len(found) != 1 || found[0] != g.FlatIndex(Coord{0, 0}) {
		t.Fatalf("expected exactly the one occupied cell, got %v", found)
	}
}

type recordingIndex struct {
	calls int
}

func (r *recordingIndex) OnCellMutated(int, cell.Word, cell.Word, uint32, uint32) {
	r.calls++
}

func TestLabelIndexNotifiedOnEveryMutation(t *testing.T) {
	g, _ := New([]int{4, 4})
	rec := &recordingIndex{}
	g.SetLabelIndex(rec)

	g.SetMolecule(cell.Encode(cell.Label, 1, 0), 1, Coord{0, 0})
	g.TransferOwnership(Coord{0, 0}, 2)
	g.ClearOwnershipFor(2)

	if rec.calls != 3 {
		t.Fatalf("expected 3 notifications, got %d", rec.calls)
	}
}
