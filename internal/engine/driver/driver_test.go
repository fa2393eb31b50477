package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/codec"
	"github.com/evochora/evochora-sub008/internal/domain/cell"
	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/labelindex"
	"github.com/evochora/evochora-sub008/internal/domain/opcode"
	"github.com/evochora/evochora-sub008/internal/engine"
	"github.com/evochora/evochora-sub008/internal/infra/chunkstore"
	"github.com/evochora/evochora-sub008/internal/infra/rng"
	"github.com/evochora/evochora-sub008/libs/observability"
	libtesting "github.com/evochora/evochora-sub008/libs/testing"
)

// newTestWorld builds an engine whose single organism executes NOPs around
// a small ring forever, changing its own traversal trivially — enough to
// exercise capture without caring about instruction semantics.
func newTestWorld(t *testing.T) *engine.Engine {
	t.Helper()
	shape := []int{16}
	g, err := env.New(shape)
	if err != nil {
		t.Fatalf("env.New: %v", err)
	}
	root := rng.NewRoot([]byte("driver-test-seed"))
	idx := labelindex.NewIndex(shape, labelindex.DefaultConfig(), root)
	g.SetLabelIndex(idx)

	e := engine.New(g, idx, opcode.Builtins, engine.Config{
		InstructionEnergyCost: decimal.NewFromInt(1),
		FailureEnergyCost:     decimal.NewFromInt(2),
	})
	e.RNG = root

	nop, ok := opcode.Builtins.LookupByName("NOP")
	if !ok {
		t.Fatal("no builtin NOP")
	}
	org := e.SpawnOrganism(env.Coord{0}, decimal.NewFromInt(10_000))
	for i := 0; i < 16; i++ {
		g.SetMolecule(cell.Encode(cell.Code, int32(nop.ID), 0), org.OwnerID, env.Coord{i})
	}
	g.ResetChangeTracking()
	return e
}

func newTestEncoder(t *testing.T, runID string, cfg codec.EncoderConfig) *codec.Encoder {
	t.Helper()
	enc, err := codec.NewEncoder(runID, cfg, libtesting.FixedClock{T: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	return enc
}

func TestRunDrainsSealedChunksToSink(t *testing.T) {
	e := newTestWorld(t)
	enc := newTestEncoder(t, "run-drv", codec.EncoderConfig{AccumulatedDeltaInterval: 1, SnapshotInterval: 1, ChunkInterval: 5})
	sink := chunkstore.NewMemorySink()
	reg := observability.NewRegistry()
	d := New("run-drv", e, enc, sink, NewMetrics(reg))

	ticks, err := d.Run(context.Background(), 12)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ticks != 12 {
		t.Fatalf("ran %d ticks, want 12", ticks)
	}

	// 12 samples at 5 per chunk = 2 sealed + 1 flushed partial.
	chunks := sink.Chunks()
	if len(chunks) != 3 {
		t.Fatalf("sink received %d chunks, want 3", len(chunks))
	}
	var total uint32
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			t.Errorf("chunk [%d,%d]: %v", c.FirstTick, c.LastTick, err)
		}
		if c.SimulationRunID != "run-drv" {
			t.Errorf("chunk runID = %q", c.SimulationRunID)
		}
		total += c.TickCount
	}
	if total != 12 {
		t.Errorf("chunks cover %d ticks, want 12", total)
	}
	if got := d.metrics.ChunksSealed.Value(); got != 3 {
		t.Errorf("chunks_sealed = %v, want 3", got)
	}
}

func TestRunSnapshotCarriesRNGState(t *testing.T) {
	e := newTestWorld(t)
	enc := newTestEncoder(t, "run-rng", codec.EncoderConfig{AccumulatedDeltaInterval: 1, SnapshotInterval: 1, ChunkInterval: 1})
	sink := chunkstore.NewMemorySink()
	d := New("run-rng", e, enc, sink, nil)

	if _, err := d.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := sink.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0].Snapshot.RNGState) == 0 {
		t.Error("snapshot is missing the serialized RNG root seed")
	}
}

func TestRunStopsBetweenTicksOnCancel(t *testing.T) {
	e := newTestWorld(t)
	enc := newTestEncoder(t, "run-cancel", codec.EncoderConfig{AccumulatedDeltaInterval: 1, SnapshotInterval: 1, ChunkInterval: 100})
	sink := chunkstore.NewMemorySink()
	d := New("run-cancel", e, enc, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ticks, err := d.Run(ctx, 50)
	if err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if ticks != 0 {
		t.Errorf("ran %d ticks after cancellation, want 0", ticks)
	}
	// No samples captured, so nothing to flush.
	if len(sink.Chunks()) != 0 {
		t.Errorf("sink received %d chunks, want 0", len(sink.Chunks()))
	}
}

// failingSink always errors; the run must survive it, counting drops.
type failingSink struct{}

func (failingSink) Store(context.Context, *codec.Chunk) error {
	return errors.New("sink down")
}

func TestRunSurvivesBrokenSink(t *testing.T) {
	e := newTestWorld(t)
	enc := newTestEncoder(t, "run-broken", codec.EncoderConfig{AccumulatedDeltaInterval: 1, SnapshotInterval: 1, ChunkInterval: 2})
	reg := observability.NewRegistry()
	d := New("run-broken", e, enc, failingSink{}, NewMetrics(reg))

	ticks, err := d.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("Run with broken sink: %v", err)
	}
	if ticks != 10 {
		t.Errorf("ran %d ticks, want 10", ticks)
	}
	if got := d.metrics.ChunksDropped.Value(); got == 0 {
		t.Error("no dropped chunks recorded despite a broken sink")
	}
}
