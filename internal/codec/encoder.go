package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/organism"
	libtesting "github.com/evochora/evochora-sub008/libs/testing"
)

// EncoderConfig holds the three nested sampling periods. Each must be ≥ 1.
type EncoderConfig struct {
	// AccumulatedDeltaInterval (A) is the number of samples between two
	// ACCUMULATED deltas.
	AccumulatedDeltaInterval int
	// SnapshotInterval (N) is the number of A-sample periods in one
	// snapshot period (A·N samples). A chunk holds a single SNAPSHOT, its
	// first sample, so N enters the schedule only through the chunk span
	// A·N·C.
	SnapshotInterval int
	// ChunkInterval (C) is the number of snapshot periods per chunk; only
	// the first of them opens with a SNAPSHOT sample.
	ChunkInterval int
}

// Validate fails fast on a non-positive interval.
func (c EncoderConfig) Validate() error {
	if c.AccumulatedDeltaInterval < 1 {
		return fmt.Errorf("codec: accumulatedDeltaInterval must be >= 1, got %d", c.AccumulatedDeltaInterval)
	}
	if c.SnapshotInterval < 1 {
		return fmt.Errorf("codec: snapshotInterval must be >= 1, got %d", c.SnapshotInterval)
	}
	if c.ChunkInterval < 1 {
		return fmt.Errorf("codec: chunkInterval must be >= 1, got %d", c.ChunkInterval)
	}
	return nil
}

// SamplesPerChunk is the derived chunk span, A·N·C.
func (c EncoderConfig) SamplesPerChunk() int {
	return c.AccumulatedDeltaInterval * c.SnapshotInterval * c.ChunkInterval
}

// columnsPool recycles the flat-index scratch slice used when extracting
// cell columns, so steady-state capture does not allocate per tick.
var columnsPool = sync.Pool{
	New: func() any {
		s := make([]int, 0, 1024)
		return &s
	},
}

// Encoder folds per-tick change sets into a chunk under construction. One
// Encoder per simulation; never shared across goroutines.
type Encoder struct {
	runID string
	cfg   EncoderConfig
	clock libtesting.Clock

	samplesPerChunk int

	// accumulatedSinceSnapshot is the OR of every change set since the
	// current chunk's snapshot; ACCUMULATED deltas extract from it.
	accumulatedSinceSnapshot *roaring.Bitmap

	samplesInChunk       int
	samplesSinceSnapshot int

	current *Chunk
}

// NewEncoder builds an Encoder for one simulation run. clock stamps
// captureTimeMs and may be nil, in which case system time is used.
func NewEncoder(runID string, cfg EncoderConfig, clock libtesting.Clock) (*Encoder, error) {
	if runID == "" {
		return nil, fmt.Errorf("codec: NewEncoder: empty runID")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = libtesting.SystemClock{}
	}
	return &Encoder{
		runID:                    runID,
		cfg:                      cfg,
		clock:                    clock,
		samplesPerChunk:          cfg.SamplesPerChunk(),
		accumulatedSinceSnapshot: roaring.New(),
	}, nil
}

// CaptureTick samples the post-commit world state for one tick. It reads
// the grid's change bitmap, classifies the sample as SNAPSHOT, ACCUMULATED
// or INCREMENTAL, resets the grid's change tracking (the codec owns that
// reset, not the engine), and — when the chunk has reached its full sample
// span — seals and returns it. The returned chunk is nil otherwise.
//
// A chunk carries exactly one snapshot, so the SNAPSHOT sample is pinned to
// the first sample of each chunk; samplesSinceSnapshot resets only there.
// Mid-chunk samples at multiples of A become ACCUMULATED deltas against
// that snapshot, everything else INCREMENTAL.
func (e *Encoder) CaptureTick(
	tick uint64,
	g *env.Grid,
	organisms []*organism.Organism,
	totalCreated uint64,
	rngState []byte,
	pluginStates [][]byte,
) (*Chunk, error) {
	changed := g.GetChangedIndices()
	e.accumulatedSinceSnapshot.Or(changed)

	switch {
	case e.samplesSinceSnapshot == 0:
		snap := e.extractSnapshot(tick, g, organisms, totalCreated, rngState, pluginStates)
		e.accumulatedSinceSnapshot = roaring.New()
		e.current = &Chunk{
			SimulationRunID: e.runID,
			FirstTick:       tick,
			LastTick:        tick,
			Snapshot:        snap,
		}

	case e.samplesSinceSnapshot%e.cfg.AccumulatedDeltaInterval == 0:
		if e.current == nil {
			return nil, fmt.Errorf("codec: CaptureTick(%d): no chunk open", tick)
		}
		delta := e.extractDelta(tick, g, organisms, totalCreated, e.accumulatedSinceSnapshot, DeltaAccumulated)
		e.current.Deltas = append(e.current.Deltas, delta)
		e.current.LastTick = tick

	default:
		if e.current == nil {
			return nil, fmt.Errorf("codec: CaptureTick(%d): no chunk open", tick)
		}
		delta := e.extractDelta(tick, g, organisms, totalCreated, changed, DeltaIncremental)
		e.current.Deltas = append(e.current.Deltas, delta)
		e.current.LastTick = tick
	}

	g.ResetChangeTracking()
	e.samplesInChunk++
	e.samplesSinceSnapshot++

	if e.samplesInChunk >= e.samplesPerChunk {
		return e.seal(), nil
	}
	return nil, nil
}

// Flush seals and returns the partially filled chunk buffered at shutdown,
// or nil if no samples were captured since the last seal. Partial chunks
// are still valid: the snapshot is always the first sample.
func (e *Encoder) Flush() *Chunk {
	if e.current == nil {
		return nil
	}
	return e.seal()
}

func (e *Encoder) seal() *Chunk {
	c := e.current
	c.TickCount = uint32(1 + len(c.Deltas))
	e.current = nil
	e.samplesInChunk = 0
	e.samplesSinceSnapshot = 0
	e.accumulatedSinceSnapshot = roaring.New()
	return c
}

func (e *Encoder) extractSnapshot(
	tick uint64,
	g *env.Grid,
	organisms []*organism.Organism,
	totalCreated uint64,
	rngState []byte,
	pluginStates [][]byte,
) TickData {
	scratch := columnsPool.Get().(*[]int)
	flats := (*scratch)[:0]
	g.ForEachOccupiedIndex(func(flatIdx int) {
		flats = append(flats, flatIdx)
	})
	sort.Ints(flats)

	cols := CellColumns{
		FlatIndex:    make([]int, len(flats)),
		MoleculeWord: make([]uint32, len(flats)),
		OwnerID:      make([]uint32, len(flats)),
	}
	for i, flat := range flats {
		cols.FlatIndex[i] = flat
		cols.MoleculeWord[i] = uint32(g.GetMoleculeInt(flat))
		cols.OwnerID[i] = g.GetOwnerIDInt(flat)
	}
	*scratch = flats[:0]
	columnsPool.Put(scratch)

	return TickData{
		SimulationRunID:       e.runID,
		TickNumber:            tick,
		CaptureTimeMs:         e.clock.Now().UnixMilli(),
		CellColumns:           cols,
		Organisms:             snapshotOrganisms(organisms),
		TotalOrganismsCreated: totalCreated,
		RNGState:              rngState,
		PluginStates:          pluginStates,
	}
}

func (e *Encoder) extractDelta(
	tick uint64,
	g *env.Grid,
	organisms []*organism.Organism,
	totalCreated uint64,
	changeSet *roaring.Bitmap,
	typ DeltaType,
) TickDelta {
	n := int(changeSet.GetCardinality())
	cols := CellColumns{
		FlatIndex:    make([]int, 0, n),
		MoleculeWord: make([]uint32, 0, n),
		OwnerID:      make([]uint32, 0, n),
	}
	it := changeSet.Iterator()
	for it.HasNext() {
		flat := int(it.Next())
		cols.FlatIndex = append(cols.FlatIndex, flat)
		cols.MoleculeWord = append(cols.MoleculeWord, uint32(g.GetMoleculeInt(flat)))
		cols.OwnerID = append(cols.OwnerID, g.GetOwnerIDInt(flat))
	}

	return TickDelta{
		DeltaType: typ,
		TickData: TickData{
			SimulationRunID:       e.runID,
			TickNumber:            tick,
			CaptureTimeMs:         e.clock.Now().UnixMilli(),
			CellColumns:           cols,
			Organisms:             snapshotOrganisms(organisms),
			TotalOrganismsCreated: totalCreated,
		},
	}
}

// snapshotOrganisms serializes every organism's state, in ascending id
// order. The input is expected in ascending id order already (the engine's
// Organisms accessor guarantees it); the copy here is purely defensive.
func snapshotOrganisms(orgs []*organism.Organism) []OrganismState {
	out := make([]OrganismState, len(orgs))
	for i, o := range orgs {
		out[i] = snapshotOrganism(o)
	}
	return out
}

func snapshotOrganism(o *organism.Organism) OrganismState {
	return OrganismState{
		ID:            o.ID,
		OwnerID:       o.OwnerID,
		IP:            coordInts(o.IP),
		DV:            coordInts(o.DV),
		DataPointers:  coordList(o.DataPointers),
		ActiveDP:      o.ActiveDP,
		Registers:     o.RegistersSnapshot(),
		LocationRegs:  coordList(o.LocationRegisters[:]),
		DataStack:     o.DataStackSnapshot(),
		CallStack:     coordList(o.CallStackSnapshot()),
		LocationStack: coordList(o.LocationStackSnapshot()),
		Energy:        o.Energy,
		IsDead:        o.IsDead,
		GenomeHash:    o.GenomeHash,
	}
}

func coordInts(c env.Coord) []int {
	out := make([]int, len(c))
	copy(out, c)
	return out
}

func coordList(cs []env.Coord) [][]int {
	out := make([][]int, len(cs))
	for i, c := range cs {
		out[i] = coordInts(c)
	}
	return out
}
