// Package chunkstore is the narrow persistence collaborator for sealed
// chunks. Persistence and database indexing of chunk contents are external
// concerns — this package only defines the append contract and one thin
// Postgres implementation behind it. There is deliberately no query or
// index surface here.
package chunkstore

import (
	"context"
	"sync"

	"github.com/evochora/evochora-sub008/internal/codec"
)

// ChunkSink consumes sealed, immutable chunks. Implementations must be safe
// to call from the driver's single background persistence worker; they are
// never called from the tick loop itself.
type ChunkSink interface {
	Store(ctx context.Context, chunk *codec.Chunk) error
}

// MemorySink buffers chunks in memory: the default sink for tests and for
// runs that only want the live telemetry. Safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	chunks []*codec.Chunk
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Store appends the chunk.
func (s *MemorySink) Store(_ context.Context, chunk *codec.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

// Chunks returns everything stored so far, in arrival order.
func (s *MemorySink) Chunks() []*codec.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*codec.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}
