// Package codec implements the delta-compressed state pipeline: an Encoder
// that folds per-tick grid changes into snapshot/accumulated/incremental
// records and seals them into immutable Chunks, and a stateful Decoder that
// reconstructs any sampled tick with shortcut paths. The wire field names
// are contractual; JSON is the concrete serialization, chosen so chunk
// payloads stay debuggable and golden-testable.
package codec

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DeltaType tags how a TickDelta's cells relate to the rest of the chunk.
type DeltaType string

const (
	// DeltaIncremental holds changes versus the previous sample.
	DeltaIncremental DeltaType = "INCREMENTAL"
	// DeltaAccumulated holds changes versus the chunk's snapshot.
	DeltaAccumulated DeltaType = "ACCUMULATED"
)

// ErrChunkCorrupted is the recoverable structural-error sentinel of the
// decoder. Callers must log and skip the offending chunk, never abort the
// run.
var ErrChunkCorrupted = errors.New("codec: chunk corrupted")

// corrupted wraps a structural complaint in ErrChunkCorrupted.
func corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrChunkCorrupted, fmt.Sprintf(format, args...))
}

// CellColumns is the columnar cell payload: three parallel arrays of equal
// length, sorted by ascending flat index.
type CellColumns struct {
	FlatIndex    []int    `json:"flatIndex"`
	MoleculeWord []uint32 `json:"moleculeWord"`
	OwnerID      []uint32 `json:"ownerId"`
}

// Len returns the number of cells carried.
func (c CellColumns) Len() int { return len(c.FlatIndex) }

func (c CellColumns) validate() error {
	if len(c.MoleculeWord) != len(c.FlatIndex) || len(c.OwnerID) != len(c.FlatIndex) {
		return fmt.Errorf("cell columns are ragged: %d/%d/%d entries",
			len(c.FlatIndex), len(c.MoleculeWord), len(c.OwnerID))
	}
	return nil
}

// OrganismState is one organism's full serialized state at a sampled tick.
type OrganismState struct {
	ID      uint32 `json:"id"`
	OwnerID uint32 `json:"ownerId"`

	IP []int `json:"ip"`
	DV []int `json:"dv"`

	DataPointers  [][]int `json:"dataPointers"`
	ActiveDP      int     `json:"activeDp"`
	Registers     map[int]int32 `json:"registers"`
	LocationRegs  [][]int       `json:"locationRegisters"`
	DataStack     []int32 `json:"dataStack"`
	CallStack     [][]int `json:"callStack"`
	LocationStack [][]int `json:"locationStack"`

	Energy     decimal.Decimal `json:"energy"`
	IsDead     bool            `json:"isDead"`
	GenomeHash uint64          `json:"genomeHash,string"`
}

// TickData is one fully materialized tick: every occupied cell, every
// organism, the run counters, and the serialized RNG/plugin state needed to
// resume from here.
type TickData struct {
	SimulationRunID string `json:"simulationRunId"`
	TickNumber      uint64 `json:"tickNumber"`
	CaptureTimeMs   int64  `json:"captureTimeMs"`

	CellColumns CellColumns     `json:"cellColumns"`
	Organisms   []OrganismState `json:"organisms"`

	TotalOrganismsCreated uint64 `json:"totalOrganismsCreated"`

	// RNGState is opaque bytes; only populated on SNAPSHOT ticks (resume
	// always starts at a snapshot).
	RNGState []byte `json:"rngState,omitempty"`
	// PluginStates is an opaque list, one entry per configured plugin, in
	// registration order. Only populated on SNAPSHOT ticks.
	PluginStates [][]byte `json:"pluginStates,omitempty"`
}

// TickDelta is TickData restricted to changed cells, tagged with how the
// change set relates to the chunk.
type TickDelta struct {
	TickData
	DeltaType DeltaType `json:"deltaType"`
}

// Chunk is an immutable, self-contained unit of persisted state: exactly
// one full snapshot plus an ordered run of deltas.
type Chunk struct {
	SimulationRunID string `json:"simulationRunId"`
	FirstTick       uint64 `json:"firstTick"`
	LastTick        uint64 `json:"lastTick"`
	TickCount       uint32 `json:"tickCount"`

	Snapshot TickData    `json:"snapshot"`
	Deltas   []TickDelta `json:"deltas"`
}

// Validate checks the chunk's structural invariants: snapshot present and
// first, deltas strictly ordered by tick, every delta type specified,
// lastTick matching the final sample, tickCount = deltasCount + 1. Any
// violation is reported wrapped in ErrChunkCorrupted.
func (c *Chunk) Validate() error {
	if c.SimulationRunID == "" {
		return corrupted("missing simulationRunId")
	}
	if c.TickCount == 0 {
		return corrupted("missing snapshot")
	}
	if err := c.Snapshot.CellColumns.validate(); err != nil {
		return corrupted("snapshot tick %d: %v", c.Snapshot.TickNumber, err)
	}
	if c.FirstTick != c.Snapshot.TickNumber {
		return corrupted("firstTick %d != snapshot tick %d", c.FirstTick, c.Snapshot.TickNumber)
	}
	if int(c.TickCount) != len(c.Deltas)+1 {
		return corrupted("tickCount %d != deltasCount %d + 1", c.TickCount, len(c.Deltas))
	}

	prev := c.Snapshot.TickNumber
	for i, d := range c.Deltas {
		if d.DeltaType != DeltaIncremental && d.DeltaType != DeltaAccumulated {
			return corrupted("delta %d (tick %d): unspecified delta type %q", i, d.TickNumber, d.DeltaType)
		}
		if d.TickNumber <= prev {
			return corrupted("delta %d: tick %d not strictly after %d", i, d.TickNumber, prev)
		}
		if err := d.CellColumns.validate(); err != nil {
			return corrupted("delta %d (tick %d): %v", i, d.TickNumber, err)
		}
		prev = d.TickNumber
	}

	if c.LastTick != prev {
		return corrupted("lastTick %d != final sample tick %d", c.LastTick, prev)
	}
	return nil
}

// Contains reports whether targetTick falls inside the chunk's sampled
// range.
func (c *Chunk) Contains(targetTick uint64) bool {
	return targetTick >= c.FirstTick && targetTick <= c.LastTick
}
