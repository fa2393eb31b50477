// Package observability provides the ambient logging and metrics stack:
// single-line JSON event logging enriched from context-carried run
// identifiers, value redaction for operator-supplied secrets, and a
// zero-dependency Prometheus text-format metrics registry.
package observability

import "context"

type contextKey string

const (
	runIDKey      contextKey = "run_id"
	tickKey       contextKey = "tick"
	organismIDKey contextKey = "organism_id"
)

// RunInfo carries trace identifiers through a simulation context. RunID is
// per simulation run, TickNumber the tick currently executing, OrganismID
// the organism a log line concerns (0 when not organism-scoped).
type RunInfo struct {
	RunID      string
	TickNumber uint64
	OrganismID uint32
}

// WithRunInfo attaches the non-zero fields of info to ctx.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	if info.RunID != "" {
		ctx = context.WithValue(ctx, runIDKey, info.RunID)
	}
	if info.TickNumber != 0 {
		ctx = context.WithValue(ctx, tickKey, info.TickNumber)
	}
	if info.OrganismID != 0 {
		ctx = context.WithValue(ctx, organismIDKey, info.OrganismID)
	}
	return ctx
}

// RunInfoFromContext retrieves whatever identifiers were attached upstream.
func RunInfoFromContext(ctx context.Context) RunInfo {
	info := RunInfo{}
	if v := ctx.Value(runIDKey); v != nil {
		if runID, ok := v.(string); ok {
			info.RunID = runID
		}
	}
	if v := ctx.Value(tickKey); v != nil {
		if tick, ok := v.(uint64); ok {
			info.TickNumber = tick
		}
	}
	if v := ctx.Value(organismIDKey); v != nil {
		if id, ok := v.(uint32); ok {
			info.OrganismID = id
		}
	}
	return info
}

// WithTick stamps the current tick number onto ctx, so every log line
// emitted while that tick executes carries it.
func WithTick(ctx context.Context, tick uint64) context.Context {
	return context.WithValue(ctx, tickKey, tick)
}
