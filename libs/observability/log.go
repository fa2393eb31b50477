package observability

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerMu sync.Mutex
	logger   = log.New(os.Stdout, "", 0)
)

// SetOutput redirects log output, for tests and for drivers that want the
// event stream on stderr instead of stdout. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = log.New(w, "", 0)
}

// LogEvent writes one single-line JSON event, enriched with whatever
// RunInfo the context carries. fields may be nil.
func LogEvent(ctx context.Context, level string, event string, fields map[string]any) {
	payload := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"level": level,
		"event": event,
	}

	info := RunInfoFromContext(ctx)
	if info.RunID != "" {
		payload["run_id"] = info.RunID
	}
	if info.TickNumber != 0 {
		payload["tick"] = info.TickNumber
	}
	if info.OrganismID != 0 {
		payload["organism_id"] = info.OrganismID
	}

	for key, value := range normalizeFields(fields) {
		payload[key] = value
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		loggerMu.Lock()
		logger.Printf("{\"level\":\"error\",\"event\":\"log_marshal_failed\",\"error\":%q}", err.Error())
		loggerMu.Unlock()
		return
	}
	loggerMu.Lock()
	logger.Print(string(raw))
	loggerMu.Unlock()
}

// LogTickCommitted records one committed tick with its failure tally.
func LogTickCommitted(ctx context.Context, tick uint64, failures map[string]uint64) {
	fields := map[string]any{"tick": tick}
	if len(failures) > 0 {
		fields["failures"] = failures
	}
	LogEvent(ctx, "debug", "tick_committed", fields)
}

// LogChunkSealed records one sealed chunk leaving the encoder.
func LogChunkSealed(ctx context.Context, firstTick, lastTick uint64, tickCount uint32) {
	LogEvent(ctx, "info", "chunk_sealed", map[string]any{
		"first_tick": firstTick,
		"last_tick":  lastTick,
		"tick_count": tickCount,
	})
}

// LogChunkSkipped records a chunk dropped as corrupted, with the offending
// identity. Emitted at warning level; callers throttle to once per run.
func LogChunkSkipped(ctx context.Context, runID string, firstTick uint64, err error) {
	LogEvent(ctx, "warn", "chunk_skipped", map[string]any{
		"chunk_run_id": runID,
		"first_tick":   firstTick,
		"error":        err,
	})
}

func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		switch key {
		case "dsn", "seed":
			out[key] = redactedValue
			continue
		case "config":
			out[key] = RedactValue(value)
			continue
		}
		if err, ok := value.(error); ok {
			out[key] = err.Error()
			continue
		}
		out[key] = value
	}
	return out
}
