// Command evocore runs one simulation: it seeds a grid from a compiled
// program artifact (or a built-in demo ring when none is given), runs the
// tick loop for the requested budget, and streams sealed chunks to the
// configured sink. One process, one simulation; run several processes for
// parallelism across simulations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/codec"
	"github.com/evochora/evochora-sub008/internal/domain/artifact"
	"github.com/evochora/evochora-sub008/internal/domain/cell"
	"github.com/evochora/evochora-sub008/internal/domain/env"
	"github.com/evochora/evochora-sub008/internal/domain/labelindex"
	"github.com/evochora/evochora-sub008/internal/domain/opcode"
	"github.com/evochora/evochora-sub008/internal/engine"
	"github.com/evochora/evochora-sub008/internal/engine/driver"
	"github.com/evochora/evochora-sub008/internal/infra/chunkstore"
	"github.com/evochora/evochora-sub008/internal/infra/config"
	"github.com/evochora/evochora-sub008/internal/plugins"
	"github.com/evochora/evochora-sub008/libs/observability"
)

var version = "0.1.0"

func main() {
	configFlag := flag.String("config", "", "path to JSON config file (optional)")
	programFlag := flag.String("program", "", "path to a JSON program artifact (optional; a demo ring is seeded when absent)")
	shapeFlag := flag.String("shape", "64x64", "grid shape, e.g. 64x64 or 16x16x16")
	ticksFlag := flag.Uint64("ticks", 1000, "tick budget")
	energyFlag := flag.Int64("energy", 10000, "starting energy for the seed organism")
	flag.Parse()

	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	shape, err := parseShape(*shapeFlag)
	if err != nil {
		log.Fatalf("parse shape: %v", err)
	}

	runID := observability.NewRunID()
	ctx := observability.WithRunInfo(context.Background(), observability.RunInfo{RunID: runID})
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.LogEvent(ctx, "info", "starting", map[string]any{
		"version": version,
		"shape":   *shapeFlag,
		"ticks":   *ticksFlag,
	})

	grid, err := env.New(shape)
	if err != nil {
		log.Fatalf("create grid: %v", err)
	}

	eng := engine.New(grid, nil, opcode.Builtins, engine.Config{
		InstructionEnergyCost: decimal.NewFromFloat(cfg.Engine.InstructionEnergyCost),
		FailureEnergyCost:     decimal.NewFromFloat(cfg.Engine.FailureEnergyCost),
		EnergyStrategy:        plugins.NewFlatDecayEnergyStrategy(decimal.Zero),
	})

	art, err := loadArtifact(*programFlag, shape)
	if err != nil {
		log.Fatalf("load program artifact: %v", err)
	}
	if err := eng.Seed(art, []byte(cfg.Engine.Seed)); err != nil {
		log.Fatalf("seed engine: %v", err)
	}

	// The label index needs the engine's root RNG for stochastic selection,
	// so it is wired after Seed derives it; the label cells Seed already
	// placed are replayed into it by reindexLabels, and every later write
	// reaches it through the grid hook.
	idx := labelindex.NewIndex(shape, labelindex.Config{
		Tolerance:       cfg.LabelMatching.Tolerance,
		ForeignPenalty:  cfg.LabelMatching.ForeignPenalty,
		HammingWeight:   cfg.LabelMatching.HammingWeight,
		SelectionSpread: cfg.LabelMatching.SelectionSpread,
	}, eng.RNG.DeriveFor("label-index", 0))
	grid.SetLabelIndex(idx)
	reindexLabels(grid, idx)
	eng.Labels = idx

	org := eng.SpawnOrganism(make(env.Coord, len(shape)), decimal.NewFromInt(*energyFlag))
	claimLayout(grid, art, org.OwnerID)

	encoder, err := codec.NewEncoder(runID, codec.EncoderConfig{
		AccumulatedDeltaInterval: cfg.Encoder.AccumulatedDeltaInterval,
		SnapshotInterval:         cfg.Encoder.SnapshotInterval,
		ChunkInterval:            cfg.Encoder.ChunkInterval,
	}, nil)
	if err != nil {
		log.Fatalf("create encoder: %v", err)
	}

	var sink chunkstore.ChunkSink
	if cfg.PostgresDSN != "" {
		pg, err := chunkstore.OpenPostgres(ctx, chunkstore.DefaultConfig(cfg.PostgresDSN))
		if err != nil {
			log.Fatalf("open chunk sink: %v", err)
		}
		defer pg.Close()
		sink = pg
		observability.LogEvent(ctx, "info", "chunk_sink_opened", map[string]any{"dsn": cfg.PostgresDSN})
	} else {
		sink = chunkstore.NewMemorySink()
	}

	reg := observability.NewRegistry()
	d := driver.New(runID, eng, encoder, sink, driver.NewMetrics(reg))

	ticks, err := d.Run(ctx, *ticksFlag)
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	observability.LogEvent(ctx, "info", "finished", map[string]any{"ticks": ticks})
	reg.WriteText(os.Stdout)
}

// parseShape turns "8x8" into []int{8, 8}.
func parseShape(s string) ([]int, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	shape := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", p, err)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

// loadArtifact reads a JSON program artifact, or builds the demo ring: a
// loop of NOPs around axis 0 with one label, enough to watch a tick loop
// breathe without a compiler.
func loadArtifact(path string, shape []int) (artifact.ProgramArtifact, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return artifact.ProgramArtifact{}, fmt.Errorf("read %s: %w", path, err)
		}
		var art artifact.ProgramArtifact
		if err := json.Unmarshal(raw, &art); err != nil {
			return artifact.ProgramArtifact{}, fmt.Errorf("parse %s: %w", path, err)
		}
		return art, nil
	}

	nop, ok := opcode.Builtins.LookupByName("NOP")
	if !ok {
		return artifact.ProgramArtifact{}, fmt.Errorf("builtin table has no NOP")
	}
	art := artifact.ProgramArtifact{
		LabelNames:        map[string]uint32{"start": 0x00001},
		ReverseLabelNames: map[uint32]string{0x00001: "start"},
	}
	for i := 0; i < shape[0]; i++ {
		coord := make(env.Coord, len(shape))
		coord[0] = i
		art.Layout = append(art.Layout, artifact.PlacedCell{
			Coord: coord,
			Type:  cell.Code,
			Value: int32(nop.ID),
		})
	}
	labelCoord := make(env.Coord, len(shape))
	if len(shape) > 1 {
		labelCoord[1] = 1
	}
	art.Layout = append(art.Layout, artifact.PlacedCell{
		Coord: labelCoord,
		Type:  cell.Label,
		Value: 0x00001,
	})
	return art, nil
}

// reindexLabels replays every label already in the grid into a freshly
// wired index, for layouts placed before the hook was attached.
func reindexLabels(g *env.Grid, idx *labelindex.Index) {
	g.ForEachOccupiedIndex(func(flat int) {
		w := g.GetMoleculeInt(flat)
		if w.Type() == cell.Label {
			idx.AddLabel(flat, w.ValueUnsigned(), g.GetOwnerIDInt(flat), w.Marker())
		}
	})
}

// claimLayout stamps the seed organism's ownership onto every artifact
// cell that was placed ownerless, giving the demo organism a body.
func claimLayout(g *env.Grid, art artifact.ProgramArtifact, owner uint32) {
	for _, pc := range art.Layout {
		if pc.Owner == 0 {
			g.TransferOwnership(pc.Coord, owner)
		}
	}
}
