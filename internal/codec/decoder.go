package codec

import (
	"sort"
	"sync"

	"github.com/evochora/evochora-sub008/internal/domain/cell"
)

// bufferPool recycles the decoder's dense reconstruction buffers. Decoders
// for same-sized grids hand buffers back and forth through it so repeated
// decode sessions don't reallocate megabyte-scale slices.
var bufferPool = sync.Pool{
	New: func() any { return &denseBuffer{} },
}

type denseBuffer struct {
	words  []cell.Word
	owners []uint32
}

func (b *denseBuffer) resize(size int) {
	if cap(b.words) < size {
		b.words = make([]cell.Word, size)
		b.owners = make([]uint32, size)
		return
	}
	b.words = b.words[:size]
	b.owners = b.owners[:size]
}

func (b *denseBuffer) clear() {
	for i := range b.words {
		b.words[i] = cell.Empty
		b.owners[i] = 0
	}
}

func (b *denseBuffer) apply(cols CellColumns) {
	for i, flat := range cols.FlatIndex {
		b.words[flat] = cell.Word(cols.MoleculeWord[i])
		b.owners[flat] = cols.OwnerID[i]
	}
}

// Decoder reconstructs sampled ticks from chunks. It keeps a mutable dense
// cell buffer plus a (chunk, tick) cursor so that forward scans within one
// chunk advance incrementally instead of replaying from the snapshot every
// call. A Decoder is single-goroutine; concurrent readers use distinct
// Decoders (spec'd sharing model: the reconstruction buffer is exclusively
// owned).
type Decoder struct {
	gridSize int
	buf      *denseBuffer

	currentChunk *Chunk
	currentTick  uint64
	positioned   bool
}

// NewDecoder builds a decoder for grids of gridSize cells, drawing its
// reconstruction buffer from the shared pool.
func NewDecoder(gridSize int) *Decoder {
	buf := bufferPool.Get().(*denseBuffer)
	buf.resize(gridSize)
	return &Decoder{gridSize: gridSize, buf: buf}
}

// Release returns the decoder's buffer to the pool. The decoder must not be
// used afterwards.
func (d *Decoder) Release() {
	if d.buf != nil {
		bufferPool.Put(d.buf)
		d.buf = nil
	}
}

// DecompressTick reconstructs the world state at targetTick from chunk and
// returns it as a synthetic TickData: cells come from the reconstructed
// dense buffer, organism and metadata fields from the sample record at
// targetTick. Calling it twice with the same arguments returns identical
// results; the internal cursor advance is invisible to callers.
//
// Any structural mismatch is reported wrapped in ErrChunkCorrupted — the
// caller logs and skips the chunk, the process never aborts.
func (d *Decoder) DecompressTick(chunk *Chunk, targetTick uint64) (TickData, error) {
	if err := chunk.Validate(); err != nil {
		return TickData{}, err
	}
	if !chunk.Contains(targetTick) {
		return TickData{}, corrupted("tick %d outside chunk range [%d,%d]",
			targetTick, chunk.FirstTick, chunk.LastTick)
	}

	if targetTick == chunk.Snapshot.TickNumber {
		d.buf.clear()
		d.buf.apply(chunk.Snapshot.CellColumns)
		d.setCursor(chunk, targetTick)
		return chunk.Snapshot, nil
	}

	delta, ok := deltaAt(chunk, targetTick)
	if !ok {
		return TickData{}, corrupted("tick %d inside chunk range [%d,%d] but never sampled",
			targetTick, chunk.FirstTick, chunk.LastTick)
	}

	// Forward-advance only when the cursor already sits inside this chunk
	// at or before the target; any backward jump or chunk switch rebuilds
	// from the snapshot.
	if !(d.positioned && d.currentChunk == chunk && d.currentTick <= targetTick) {
		d.buf.clear()
		d.buf.apply(chunk.Snapshot.CellColumns)
		d.currentChunk = chunk
		d.currentTick = chunk.Snapshot.TickNumber
		d.positioned = true
	}

	// Shortcut base: the closest ACCUMULATED delta ≤ targetTick that is
	// still ahead of the cursor. Applying it onto any intra-chunk state at
	// or after the snapshot lands exactly on its tick, skipping every
	// INCREMENTAL in between.
	if acc, ok := closestAccumulated(chunk, targetTick); ok && acc.TickNumber > d.currentTick {
		d.buf.apply(acc.CellColumns)
		d.currentTick = acc.TickNumber
	}

	for i := range chunk.Deltas {
		dl := &chunk.Deltas[i]
		if dl.TickNumber <= d.currentTick {
			continue
		}
		if dl.TickNumber > targetTick {
			break
		}
		d.buf.apply(dl.CellColumns)
		d.currentTick = dl.TickNumber
	}

	return d.compose(delta), nil
}

// CellBuffer returns the reconstructed cells at the cursor as sorted
// columns — the exact representation a fresh replay of the same ticks would
// produce, for bit-identical comparison in round-trip tests.
func (d *Decoder) CellBuffer() CellColumns {
	flats := make([]int, 0, 64)
	for flat, w := range d.buf.words {
		if !w.IsEmpty() {
			flats = append(flats, flat)
		}
	}
	sort.Ints(flats)
	cols := CellColumns{
		FlatIndex:    make([]int, len(flats)),
		MoleculeWord: make([]uint32, len(flats)),
		OwnerID:      make([]uint32, len(flats)),
	}
	for i, flat := range flats {
		cols.FlatIndex[i] = flat
		cols.MoleculeWord[i] = uint32(d.buf.words[flat])
		cols.OwnerID[i] = d.buf.owners[flat]
	}
	return cols
}

func (d *Decoder) setCursor(chunk *Chunk, tick uint64) {
	d.currentChunk = chunk
	d.currentTick = tick
	d.positioned = true
}

// compose builds the synthetic TickData for a non-snapshot sample: cells
// from the dense buffer, everything else from the delta record.
func (d *Decoder) compose(delta *TickDelta) TickData {
	return TickData{
		SimulationRunID:       delta.SimulationRunID,
		TickNumber:            delta.TickNumber,
		CaptureTimeMs:         delta.CaptureTimeMs,
		CellColumns:           d.CellBuffer(),
		Organisms:             delta.Organisms,
		TotalOrganismsCreated: delta.TotalOrganismsCreated,
	}
}

func deltaAt(chunk *Chunk, tick uint64) (*TickDelta, bool) {
	i := sort.Search(len(chunk.Deltas), func(i int) bool {
		return chunk.Deltas[i].TickNumber >= tick
	})
	if i < len(chunk.Deltas) && chunk.Deltas[i].TickNumber == tick {
		return &chunk.Deltas[i], true
	}
	return nil, false
}

// closestAccumulated finds the latest ACCUMULATED delta at or before tick.
func closestAccumulated(chunk *Chunk, tick uint64) (*TickDelta, bool) {
	for i := len(chunk.Deltas) - 1; i >= 0; i-- {
		dl := &chunk.Deltas[i]
		if dl.TickNumber > tick {
			continue
		}
		if dl.DeltaType == DeltaAccumulated {
			return dl, true
		}
	}
	return nil, false
}
