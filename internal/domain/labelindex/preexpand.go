package labelindex

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/evochora/evochora-sub008/internal/domain/cell"
	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/plugins"
)

// PreExpansionIndex is the alternate index representation: at insert time
// an entry is registered under its exact value and every Hamming-≤T
// neighbor (≈211 bucket keys for T=2), so lookup is a single bucket probe
// plus a linear scan of that bucket. It trades insert cost and memory for
// the cheapest possible query — the right choice when labels mutate rarely
// but jumps are hot. The scoring and tie-break contract is identical to
// Index; the two are interchangeable behind plugins.LabelMatchStrategy.
type PreExpansionIndex struct {
	shape   []int
	strides []int
	cfg     Config
	rng     plugins.RandomProvider

	buckets map[uint64][]*entry
	byFlat  map[int]*entry
}

var (
	_ env.LabelIndex             = (*PreExpansionIndex)(nil)
	_ plugins.LabelMatchStrategy = (*PreExpansionIndex)(nil)
)

// NewPreExpansionIndex constructs an empty pre-expansion index over a grid
// of the given shape. The tolerance is baked into the buckets at insert
// time, so it cannot be changed after construction.
func NewPreExpansionIndex(shape []int, cfg Config, rng plugins.RandomProvider) *PreExpansionIndex {
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &PreExpansionIndex{
		shape:   shapeCopy,
		strides: env.Strides(shapeCopy),
		cfg:     cfg,
		rng:     rng,
		buckets: make(map[uint64][]*entry),
		byFlat:  make(map[int]*entry),
	}
}

// bucketKey hashes a 20-bit neighborhood value into its bucket key.
func bucketKey(value uint32) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value&valueMask())
	return xxhash.Sum64(b[:])
}

// OnCellMutated implements env.LabelIndex, keeping the buckets in lockstep
// with every grid write.
func (idx *PreExpansionIndex) OnCellMutated(flatIdx int, oldWord, newWord cell.Word, oldOwner, newOwner uint32) {
	if e, ok := idx.byFlat[flatIdx]; ok {
		idx.removeEntry(e)
	}
	if newWord.Type() == cell.Label {
		idx.insert(flatIdx, newWord.ValueUnsigned(), newOwner, newWord.Marker())
	}
}

// AddLabel, RemoveLabel, UpdateOwner and UpdateMarker mirror the grid's
// mutation API, as on Index.
func (idx *PreExpansionIndex) AddLabel(flatIdx int, value uint32, owner uint32, marker uint8) {
	idx.insert(flatIdx, value&valueMask(), owner, marker)
}

func (idx *PreExpansionIndex) RemoveLabel(flatIdx int) {
	if e, ok := idx.byFlat[flatIdx]; ok {
		idx.removeEntry(e)
	}
}

func (idx *PreExpansionIndex) UpdateOwner(flatIdx int, newOwner uint32) {
	if e, ok := idx.byFlat[flatIdx]; ok {
		idx.removeEntry(e)
		idx.insert(flatIdx, e.value, newOwner, e.marker)
	}
}

func (idx *PreExpansionIndex) UpdateMarker(flatIdx int, newMarker uint8) {
	if e, ok := idx.byFlat[flatIdx]; ok {
		idx.removeEntry(e)
		idx.insert(flatIdx, e.value, e.owner, newMarker)
	}
}

func (idx *PreExpansionIndex) insert(flatIdx int, value uint32, owner uint32, marker uint8) {
	e := &entry{flatIdx: flatIdx, value: value, owner: owner, marker: marker}
	idx.byFlat[flatIdx] = e
	idx.forEachNeighborKey(value, func(key uint64) {
		idx.buckets[key] = append(idx.buckets[key], e)
	})
}

func (idx *PreExpansionIndex) removeEntry(e *entry) {
	delete(idx.byFlat, e.flatIdx)
	idx.forEachNeighborKey(e.value, func(key uint64) {
		bucket := idx.buckets[key]
		for i, candidate := range bucket {
			if candidate == e {
				bucket[i] = bucket[len(bucket)-1]
				bucket = bucket[:len(bucket)-1]
				break
			}
		}
		if len(bucket) == 0 {
			delete(idx.buckets, key)
		} else {
			idx.buckets[key] = bucket
		}
	})
}

func (idx *PreExpansionIndex) forEachNeighborKey(value uint32, fn func(key uint64)) {
	tolerance := idx.cfg.Tolerance
	if tolerance > maxStage {
		tolerance = maxStage
	}
	for stage := 0; stage <= tolerance; stage++ {
		for _, mask := range stageMasks[stage] {
			fn(bucketKey(value ^ mask))
		}
	}
}

// FindTarget implements the same matching rule as Index: exact-own fast
// path first, then the tolerance-bounded scored scan — here over a single
// pre-expanded bucket instead of staged probes.
func (idx *PreExpansionIndex) FindTarget(searchValue uint32, codeOwner uint32, callerCoords env.Coord) (int, bool) {
	searchValue &= valueMask()
	bucket := idx.buckets[bucketKey(searchValue)]
	if len(bucket) == 0 {
		return NotFound, false
	}

	// Scan order must not depend on insertion history.
	candidates := make([]*entry, len(bucket))
	copy(candidates, bucket)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].flatIdx < candidates[j].flatIdx })

	var own []*entry
	for _, e := range candidates {
		if e.value == searchValue && e.owner == codeOwner && e.marker == 0 {
			own = append(own, e)
		}
	}
	if len(own) > 0 {
		if idx.cfg.SelectionSpread <= 0 {
			return idx.nearest(own, callerCoords), true
		}
		return idx.reservoir(own, callerCoords), true
	}

	var (
		bestEntry *entry
		bestScore int
		found     bool
	)
	for _, e := range candidates {
		h := hammingDistance(e.value, searchValue)
		if h > idx.cfg.Tolerance {
			continue
		}
		penalty := 0
		if e.owner != codeOwner || e.marker != 0 {
			penalty = idx.cfg.ForeignPenalty
		}
		score := h*idx.cfg.HammingWeight + idx.distance(e.flatIdx, callerCoords) + penalty
		if !found || score < bestScore || (score == bestScore && lessByOwnerThenFlat(e, bestEntry)) {
			found = true
			bestEntry = e
			bestScore = score
		}
	}
	if !found {
		return NotFound, false
	}
	return bestEntry.flatIdx, true
}

func (idx *PreExpansionIndex) nearest(candidates []*entry, caller env.Coord) int {
	best := candidates[0]
	bestDist := idx.distance(best.flatIdx, caller)
	for _, e := range candidates[1:] {
		d := idx.distance(e.flatIdx, caller)
		if d < bestDist || (d == bestDist && lessByOwnerThenFlat(e, best)) {
			best, bestDist = e, d
		}
	}
	return best.flatIdx
}

func (idx *PreExpansionIndex) reservoir(candidates []*entry, caller env.Coord) int {
	bestKey := -1.0
	bestFlat := candidates[0].flatIdx
	s := float64(idx.cfg.SelectionSpread)
	for _, e := range candidates {
		d := float64(idx.distance(e.flatIdx, caller))
		w := math.Floor(reservoirK * s / (d + s))
		if w < 1 {
			w = 1
		}
		u := idx.rng.Float64()
		key := math.Pow(u, 1.0/w)
		if key > bestKey {
			bestKey = key
			bestFlat = e.flatIdx
		}
	}
	return bestFlat
}

func (idx *PreExpansionIndex) distance(flatIdx int, caller env.Coord) int {
	c := env.Unflatten(idx.shape, idx.strides, flatIdx)
	return env.ToroidalManhattan(c, caller, idx.shape)
}

func lessByOwnerThenFlat(a, b *entry) bool {
	if a.owner != b.owner {
		return a.owner < b.owner
	}
	return a.flatIdx < b.flatIdx
}
