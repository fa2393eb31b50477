package observability

import "github.com/google/uuid"

// NewRunID generates a unique simulationRunId.
func NewRunID() string {
	return "run_" + uuid.NewString()
}
