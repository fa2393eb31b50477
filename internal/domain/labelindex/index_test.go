package labelindex

import (
	"testing"

	"github.com/evochora/evochora-sub008/internal/domain/cell"
	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/infra/rng"
)

func newTestIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	return NewIndex([]int{16, 16}, cfg, rng.NewRoot([]byte("labelindex-test")))
}

func TestSelfMatchScoresZero(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	idx.AddLabel(env.Flatten([]int{16, 16}, env.Strides([]int{16, 16}), env.Coord{5, 5}), 42, 7, 0)

	got, ok := idx.FindTarget(42, 7, env.Coord{5, 5})
	if !ok {
		t.Fatal("expected a match")
	}
	want := env.Flatten([]int{16, 16}, env.Strides([]int{16, 16}), env.Coord{5, 5})
	if got != want {
		t.Fatalf("got flat index %d, want %d", got, want)
	}
}

func TestExactOwnFastPathPrefersNearest(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	shape := []int{16, 16}
	strides := env.Strides(shape)
	near := env.Flatten(shape, strides, env.Coord{1, 0})
	far := env.Flatten(shape, strides, env.Coord{10, 10})
	idx.AddLabel(far, 100, 1, 0)
	idx.AddLabel(near, 100, 1, 0)

	got, ok := idx.FindTarget(100, 1, env.Coord{0, 0})
	if !ok {
		t.Fatal("expected a match")
	}
	if got != near {
		t.Fatalf("got %d, want nearest %d", got, near)
	}
}

func TestNotFoundBeyondTolerance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tolerance = 2
	idx := newTestIndex(t, cfg)
	shape := []int{16, 16}
	flat := env.Flatten(shape, env.Strides(shape), env.Coord{3, 3})

	// A value at Hamming distance 3 from the search value, with tolerance
	// capped at 2: must not be found.
	mask := stageMasks[3][0]
	idx.AddLabel(flat, 0^mask, 9, 0)

	_, ok := idx.FindTarget(0, 9, env.Coord{0, 0})
	if ok {
		t.Fatal("expected NOT_FOUND beyond tolerance")
	}
}

func TestFoundWithinTolerance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tolerance = 2
	idx := newTestIndex(t, cfg)
	shape := []int{16, 16}
	flat := env.Flatten(shape, env.Strides(shape), env.Coord{3, 3})

	mask := stageMasks[2][0]
	idx.AddLabel(flat, 0^mask, 9, 0)

	got, ok := idx.FindTarget(0, 9, env.Coord{0, 0})
	if !ok {
		t.Fatal("expected a match within tolerance")
	}
	if got != flat {
		t.Fatalf("got %d, want %d", got, flat)
	}
}

func TestForeignPenaltyPrefersOwnOverCloserForeign(t *testing.T) {
	cfg := DefaultConfig()
	idx := newTestIndex(t, cfg)
	shape := []int{16, 16}
	strides := env.Strides(shape)

	// A foreign label at distance 1 with an exact value match...
	foreign := env.Flatten(shape, strides, env.Coord{1, 0})
	idx.AddLabel(foreign, 0, 2, 0)

	// ...versus an own-owner label at Hamming distance 1 but much farther
	// away. With ForeignPenalty=100 and HammingWeight=50, the own label
	// (score 50 + 6 = 56; (10,0) is 6 cells from the caller around the
	// 16-wide torus) beats the foreign exact match (score 0 + 1 + 100 =
	// 101).
	own := env.Flatten(shape, strides, env.Coord{10, 0})
	ownValue := uint32(0) ^ stageMasks[1][0]
	idx.AddLabel(own, ownValue, 1, 0)

	got, ok := idx.FindTarget(0, 1, env.Coord{0, 0})
	if !ok {
		t.Fatal("expected a match")
	}
	if got != own {
		t.Fatalf("got %d, want own label at %d (foreign penalty should dominate)", got, own)
	}
}

func TestMarkerNonZeroIsTreatedAsForeign(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	shape := []int{16, 16}
	flat := env.Flatten(shape, env.Strides(shape), env.Coord{2, 2})
	idx.AddLabel(flat, 7, 1, 3) // same owner, but a pending ownership marker

	// Exact-own fast path requires marker == 0, so this must fall through
	// to the general scan (still found at Hamming distance 0, but priced
	// with the foreign penalty).
	got, ok := idx.FindTarget(7, 1, env.Coord{0, 0})
	if !ok {
		t.Fatal("expected a match via general scan")
	}
	if got != flat {
		t.Fatalf("got %d, want %d", got, flat)
	}
}

func TestOnCellMutatedTracksLabelLifecycle(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	shape := []int{16, 16}
	flat := env.Flatten(shape, env.Strides(shape), env.Coord{4, 4})

	word := cell.Encode(cell.Label, 55, 0)
	idx.OnCellMutated(flat, cell.Empty, word, 0, 3)

	if _, ok := idx.FindTarget(55, 3, env.Coord{4, 4}); !ok {
		t.Fatal("expected label to be indexed after insertion")
	}

	// Overwrite with a non-label cell: must remove it from the index.
	dataWord := cell.Encode(cell.Data, 1, 0)
	idx.OnCellMutated(flat, word, dataWord, 3, 3)

	if _, ok := idx.FindTarget(55, 3, env.Coord{4, 4}); ok {
		t.Fatal("expected label to be removed once overwritten by a non-label cell")
	}
}

func TestUpdateOwnerAndMarkerMirrorOps(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	shape := []int{16, 16}
	flat := env.Flatten(shape, env.Strides(shape), env.Coord{6, 6})
	idx.AddLabel(flat, 9, 1, 0)

	idx.UpdateOwner(flat, 2)
	// FindTarget would still return the label to the old owner through the
	// general scan (priced as foreign), so check the exact-own set directly.
	if own := idx.ownEntries(idx.byValue[9], 1); len(own) != 0 {
		t.Fatal("old owner should no longer see an exact-own match")
	}
	if got, ok := idx.FindTarget(9, 2, env.Coord{6, 6}); !ok || got != flat {
		t.Fatalf("new owner should see an exact-own match, got (%d, %v)", got, ok)
	}

	idx.UpdateMarker(flat, 5)
	// Now owned but marked: exact-own fast path should no longer apply,
	// though the general scan still finds it (priced as foreign).
	if got, ok := idx.FindTarget(9, 2, env.Coord{6, 6}); !ok || got != flat {
		t.Fatalf("marked label should still resolve via general scan, got (%d, %v)", got, ok)
	}
}

func TestWeightedReservoirIsDeterministicForFixedSeed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelectionSpread = 50
	shape := []int{16, 16}
	strides := env.Strides(shape)

	build := func(seed string) *Index {
		idx := NewIndex(shape, cfg, rng.NewRoot([]byte(seed)))
		idx.AddLabel(env.Flatten(shape, strides, env.Coord{1, 0}), 3, 1, 0)
		idx.AddLabel(env.Flatten(shape, strides, env.Coord{5, 0}), 3, 1, 0)
		idx.AddLabel(env.Flatten(shape, strides, env.Coord{9, 0}), 3, 1, 0)
		return idx
	}

	a := build("same-seed")
	b := build("same-seed")

	for i := 0; i < 5; i++ {
		ga, _ := a.FindTarget(3, 1, env.Coord{0, 0})
		gb, _ := b.FindTarget(3, 1, env.Coord{0, 0})
		if ga != gb {
			t.Fatalf("draw %d diverged between identically-seeded indexes: %d != %d", i, ga, gb)
		}
	}
}

func TestHammingDistanceHelper(t *testing.T) {
	if d := hammingDistance(0, 0); d != 0 {
		t.Fatalf("got %d, want 0", d)
	}
	if d := hammingDistance(0, 0b111); d != 3 {
		t.Fatalf("got %d, want 3", d)
	}
}
