// Package driver is the between-tick scheduler: it owns one engine, one
// encoder, and the single permitted background persistence worker, runs
// ticks until the budget or the context runs out, and flushes the partial
// chunk on shutdown. A Driver is the unit of parallelism — one simulation
// per Driver, each with its own engine, codec and RNG; nothing is shared
// across Drivers.
package driver

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/evochora/evochora-sub008/internal/codec"
	"github.com/evochora/evochora-sub008/internal/engine"
	"github.com/evochora/evochora-sub008/internal/infra/chunkstore"
	"github.com/evochora/evochora-sub008/libs/observability"
	"github.com/evochora/evochora-sub008/libs/resilience"
)

// rootSeeder is satisfied by the engine's RNG provider; the driver reads
// the serialized root seed from it for snapshot capture.
type rootSeeder interface {
	Seed() []byte
}

// Metrics bundles the telemetry the driver maintains while running. A nil
// Metrics disables recording; a non-nil Metrics needs every field set, as
// NewMetrics does.
type Metrics struct {
	InstructionFailures *observability.Counter // labeled by kind
	ChunksSealed        *observability.Counter
	ChunksDropped       *observability.Counter
	LiveOrganisms       *observability.Gauge
}

// NewMetrics registers the driver's metrics on reg.
func NewMetrics(reg *observability.Registry) *Metrics {
	return &Metrics{
		InstructionFailures: reg.NewCounter("evocore_instruction_failures_total", "Instruction failures by kind."),
		ChunksSealed:        reg.NewCounter("evocore_chunks_sealed_total", "Chunks sealed by the encoder."),
		ChunksDropped:       reg.NewCounter("evocore_chunks_dropped_total", "Sealed chunks the sink refused."),
		LiveOrganisms:       reg.NewGauge("evocore_live_organisms", "Organisms alive after the last tick."),
	}
}

// Driver wires an Engine, an Encoder and a ChunkSink together.
type Driver struct {
	RunID string

	engine  *engine.Engine
	encoder *codec.Encoder
	sink    chunkstore.ChunkSink
	breaker *resilience.CircuitBreaker
	metrics *Metrics
}

// New builds a driver. sink may be nil, in which case sealed chunks are
// discarded after telemetry (a pure-telemetry run). metrics may be nil.
func New(runID string, eng *engine.Engine, enc *codec.Encoder, sink chunkstore.ChunkSink, metrics *Metrics) *Driver {
	return &Driver{
		RunID:   runID,
		engine:  eng,
		encoder: enc,
		sink:    sink,
		breaker: resilience.New(resilience.DefaultConfig("chunk-sink")),
		metrics: metrics,
	}
}

// Run executes up to tickBudget ticks, capturing every tick into the
// encoder and draining sealed chunks to the sink on a background worker.
// Cancellation is only observed between ticks; on shutdown the partial
// chunk is flushed before the worker is released. Run returns the number
// of ticks actually committed.
func (d *Driver) Run(ctx context.Context, tickBudget uint64) (uint64, error) {
	ctx = observability.WithRunInfo(ctx, observability.RunInfo{RunID: d.RunID})

	g, workerCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	chunks := make(chan *codec.Chunk, 4)

	// The one permitted background worker (persistence). It only ever sees
	// sealed, immutable chunks; it never touches the engine. A broken sink
	// trips the breaker and drops chunks instead of stalling the run.
	g.Go(func() error {
		for chunk := range chunks {
			d.persist(workerCtx, chunk)
		}
		return nil
	})

	var ticksRun uint64
	var tickErr error
	for ticksRun < tickBudget {
		if err := ctx.Err(); err != nil {
			break
		}
		result, err := d.engine.Tick(ctx)
		if err != nil {
			tickErr = fmt.Errorf("driver: tick %d: %w", d.engine.TickNumber, err)
			break
		}
		ticksRun++

		d.recordTick(ctx, result)

		chunk, err := d.capture(result.TickNumber)
		if err != nil {
			tickErr = fmt.Errorf("driver: capture tick %d: %w", result.TickNumber, err)
			break
		}
		if chunk != nil {
			d.sealChunk(ctx, chunks, chunk)
		}
	}

	// Graceful shutdown: flush the partial chunk, then let the worker
	// drain.
	if tail := d.encoder.Flush(); tail != nil {
		d.sealChunk(ctx, chunks, tail)
	}
	close(chunks)
	if err := g.Wait(); err != nil && tickErr == nil {
		tickErr = err
	}
	return ticksRun, tickErr
}

func (d *Driver) capture(tick uint64) (*codec.Chunk, error) {
	var rngState []byte
	if seeder, ok := d.engine.RNG.(rootSeeder); ok {
		rngState = seeder.Seed()
	}
	var pluginStates [][]byte
	if d.engine.EnergyStrategy != nil {
		pluginStates = [][]byte{d.engine.EnergyStrategy.State()}
	}
	return d.encoder.CaptureTick(
		tick,
		d.engine.Grid,
		d.engine.Organisms(),
		d.engine.TotalOrganismsCreated,
		rngState,
		pluginStates,
	)
}

func (d *Driver) recordTick(ctx context.Context, result engine.TickResult) {
	if d.metrics != nil {
		for kind, n := range result.FailureCounts {
			d.metrics.InstructionFailures.Add(float64(n), "kind", kind)
		}
		live := 0
		for _, o := range d.engine.Organisms() {
			if !o.IsDead {
				live++
			}
		}
		d.metrics.LiveOrganisms.Set(float64(live))
	}
	if len(result.FailureCounts) > 0 {
		observability.LogTickCommitted(observability.WithTick(ctx, result.TickNumber), result.TickNumber, result.FailureCounts)
	}
}

func (d *Driver) sealChunk(ctx context.Context, chunks chan<- *codec.Chunk, chunk *codec.Chunk) {
	if d.metrics != nil {
		d.metrics.ChunksSealed.Inc()
	}
	observability.LogChunkSealed(ctx, chunk.FirstTick, chunk.LastTick, chunk.TickCount)
	if d.sink == nil {
		return
	}
	chunks <- chunk
}

func (d *Driver) persist(ctx context.Context, chunk *codec.Chunk) {
	_, err := d.breaker.ExecuteWithContext(ctx, func() (any, error) {
		return nil, d.sink.Store(ctx, chunk)
	})
	if err != nil {
		if d.metrics != nil {
			d.metrics.ChunksDropped.Inc()
		}
		observability.LogEvent(ctx, "warn", "chunk_store_failed", map[string]any{
			"first_tick": chunk.FirstTick,
			"last_tick":  chunk.LastTick,
			"error":      err,
		})
	}
}
