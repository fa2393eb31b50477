// Package labelindex implements the fuzzy, Hamming-tolerant jump-target
// resolver described in spec.md §4.2 — the hardest piece of the core. It
// maintains a mirror of every LABEL cell in the grid, kept in lockstep via
// env.LabelIndex notifications, and answers findTarget queries with the
// exact scoring/tie-break rule spec.md §4.2 defines.
package labelindex

import (
	"math"
	"math/bits"
	"sort"

	"github.com/evochora/evochora-sub008/internal/domain/cell"
	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/plugins"
)

// Config holds the tunables spec.md §6 lists under labelMatching.*.
type Config struct {
	// Tolerance is the maximum Hamming distance considered in the general
	// scan, T ∈ {1,2,3}.
	Tolerance int
	// ForeignPenalty is added to a candidate's score when its owner
	// differs from the caller's code owner, or its marker is non-zero.
	ForeignPenalty int
	// HammingWeight is the per-bit score weight.
	HammingWeight int
	// SelectionSpread, when > 0, switches the exact-own fast path from
	// deterministic nearest-pick to weighted reservoir sampling.
	SelectionSpread int
}

// DefaultConfig returns spec.md §4.2's defaults: T=2, P=100, H=50, S=0.
func DefaultConfig() Config {
	return Config{Tolerance: 2, ForeignPenalty: 100, HammingWeight: 50, SelectionSpread: 0}
}

// reservoirK is the K constant in the weighted-reservoir weight formula
// w = max(1, floor(K·S/(d+S))).
const reservoirK = 10000

type entry struct {
	flatIdx int
	value   uint32
	owner   uint32
	marker  uint8
}

// Index is the reference, query-expansion implementation of
// plugins.LabelMatchStrategy. At insert time only the exact value is
// indexed; at lookup time the staged Hamming-neighborhood masks are
// expanded and probed, with the pruning rule spec.md §4.2 describes.
type Index struct {
	shape   []int
	strides []int
	cfg     Config
	rng     plugins.RandomProvider

	byValue map[uint32]map[int]*entry
	byFlat  map[int]*entry
}

var (
	_ env.LabelIndex             = (*Index)(nil)
	_ plugins.LabelMatchStrategy = (*Index)(nil)
)

// NewIndex constructs an empty index over a grid of the given shape.
func NewIndex(shape []int, cfg Config, rng plugins.RandomProvider) *Index {
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Index{
		shape:   shapeCopy,
		strides: env.Strides(shapeCopy),
		cfg:     cfg,
		rng:     rng,
		byValue: make(map[uint32]map[int]*entry),
		byFlat:  make(map[int]*entry),
	}
}

// OnCellMutated implements env.LabelIndex: it keeps the mirror in lockstep
// with every grid write, regardless of which method triggered it.
func (idx *Index) OnCellMutated(flatIdx int, oldWord, newWord cell.Word, oldOwner, newOwner uint32) {
	if e, ok := idx.byFlat[flatIdx]; ok {
		idx.removeEntry(e)
	}
	if newWord.Type() == cell.Label {
		idx.insert(flatIdx, newWord.ValueUnsigned(), newOwner, newWord.Marker())
	}
}

// AddLabel, RemoveLabel, UpdateOwner and UpdateMarker are the incremental
// maintenance operations spec.md §4.2 names as mirroring the grid's own
// API; they are equivalent to routing the corresponding grid mutation
// through OnCellMutated and exist for callers that maintain the index
// directly (e.g. tests, or an alternate environment implementation).
func (idx *Index) AddLabel(flatIdx int, value uint32, owner uint32, marker uint8) {
	idx.insert(flatIdx, value&valueMask(), owner, marker)
}

func (idx *Index) RemoveLabel(flatIdx int) {
	if e, ok := idx.byFlat[flatIdx]; ok {
		idx.removeEntry(e)
	}
}

func (idx *Index) UpdateOwner(flatIdx int, newOwner uint32) {
	if e, ok := idx.byFlat[flatIdx]; ok {
		idx.removeEntry(e)
		idx.insert(flatIdx, e.value, newOwner, e.marker)
	}
}

func (idx *Index) UpdateMarker(flatIdx int, newMarker uint8) {
	if e, ok := idx.byFlat[flatIdx]; ok {
		idx.removeEntry(e)
		idx.insert(flatIdx, e.value, e.owner, newMarker)
	}
}

func (idx *Index) insert(flatIdx int, value uint32, owner uint32, marker uint8) {
	e := &entry{flatIdx: flatIdx, value: value, owner: owner, marker: marker}
	idx.byFlat[flatIdx] = e
	set, ok := idx.byValue[value]
	if !ok {
		set = make(map[int]*entry)
		idx.byValue[value] = set
	}
	set[flatIdx] = e
}

func (idx *Index) removeEntry(e *entry) {
	delete(idx.byFlat, e.flatIdx)
	if set, ok := idx.byValue[e.value]; ok {
		delete(set, e.flatIdx)
		if len(set) == 0 {
			delete(idx.byValue, e.value)
		}
	}
}

func valueMask() uint32 {
	return uint32(1<<ValueBits) - 1
}

// NotFound is the sentinel flat-index FindTarget returns alongside
// found=false.
const NotFound = -1

// FindTarget implements the matching rule of spec.md §4.2 exactly.
func (idx *Index) FindTarget(searchValue uint32, codeOwner uint32, callerCoords env.Coord) (int, bool) {
	searchValue &= valueMask()

	if set, ok := idx.byValue[searchValue]; ok {
		own := idx.ownEntries(set, codeOwner)
		if len(own) > 0 {
			if idx.cfg.SelectionSpread <= 0 {
				return idx.nearestDeterministic(own, callerCoords), true
			}
			return idx.weightedReservoir(own, callerCoords), true
		}
	}

	return idx.generalScan(searchValue, codeOwner, callerCoords)
}

func (idx *Index) ownEntries(set map[int]*entry, codeOwner uint32) []*entry {
	var own []*entry
	for _, e := range set {
		if e.owner == codeOwner && e.marker == 0 {
			own = append(own, e)
		}
	}
	sort.Slice(own, func(i, j int) bool { return own[i].flatIdx < own[j].flatIdx })
	return own
}

// nearestDeterministic picks the element of E minimizing toroidal Manhattan
// distance to callerCoords; ties break by smaller ownerId, then (since all
// of E shares one owner by construction) by smaller flatIdx for full
// reproducibility.
func (idx *Index) nearestDeterministic(candidates []*entry, caller env.Coord) int {
	best := candidates[0]
	bestDist := idx.distance(best.flatIdx, caller)
	for _, e := range candidates[1:] {
		d := idx.distance(e.flatIdx, caller)
		if d < bestDist || (d == bestDist && idx.tieBreakLess(e, best)) {
			best, bestDist = e, d
		}
	}
	return best.flatIdx
}

func (idx *Index) tieBreakLess(a, b *entry) bool {
	if a.owner != b.owner {
		return a.owner < b.owner
	}
	return a.flatIdx < b.flatIdx
}

// weightedReservoir implements the A-Res weighted reservoir algorithm over
// candidates, one draw from idx.rng per candidate, in ascending flatIdx
// order so the stream of draws is deterministic for a fixed RNG.
func (idx *Index) weightedReservoir(candidates []*entry, caller env.Coord) int {
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

// generalScan runs the tolerance-bounded Hamming scan of spec.md §4.2 step
// 2, using query-expansion: stage k enumerates every mask of weight k,
// XORs it with searchValue and probes the exact-value map. Because XOR is
// a bijection, a mask of weight k always yields a candidate at Hamming
// distance exactly k, so no post-hoc popcount is needed per candidate.
func (idx *Index) generalScan(searchValue uint32, codeOwner uint32, caller env.Coord) (int, bool) {
	var (
		bestEntry *entry
		bestScore int
		found     bool
	)

	h := idx.cfg.HammingWeight
	p := idx.cfg.ForeignPenalty
	tolerance := idx.cfg.Tolerance
	if tolerance > maxStage {
		tolerance = maxStage
	}

	for stage := 0; stage <= tolerance; stage++ {
		if found && bestScore <= stage*h {
			break // pruning: no candidate from here on can beat bestScore.
		}
		for _, mask := range stageMasks[stage] {
			candidateValue := searchValue ^ mask
			set, ok := idx.byValue[candidateValue]
			if !ok {
				continue
			}
			for _, e := range set {
				foreign := e.owner != codeOwner || e.marker != 0
				penalty := 0
				if foreign {
					penalty = p
				}
				d := idx.distance(e.flatIdx, caller)
				score := stage*h + d + penalty
				if !found || score < bestScore ||
					(score == bestScore && idx.tieBreakLess(e, bestEntry)) {
					found = true
					bestEntry = e
					bestScore = score
				}
			}
		}
	}
	if !found {
		return NotFound, false
	}
	return bestEntry.flatIdx, true
}

func (idx *Index) distance(flatIdx int, caller env.Coord) int {
	c := env.Unflatten(idx.shape, idx.strides, flatIdx)
	return env.ToroidalManhattan(c, caller, idx.shape)
}

// hammingDistance counts differing bits between two ValueBits-wide values.
// Exposed for tests and for alternate index strategies; the primary
// query-expansion path never needs to call it directly (see generalScan).
func hammingDistance(a, b uint32) int {
	return bits.OnesCount32((a ^ b) & valueMask())
}
