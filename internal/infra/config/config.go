// Package config loads the single JSON configuration surface: label
// matching weights, encoder intervals, engine scalars, and the optional
// chunk-sink DSN. Unknown keys are rejected so a typo'd option fails fast
// instead of silently running with defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// LabelMatching holds the labelMatching.* options.
type LabelMatching struct {
	// Tolerance is the maximum Hamming distance considered, in {1,2,3}.
	Tolerance int `json:"tolerance"`
	// ForeignPenalty is the score penalty for foreign labels.
	ForeignPenalty int `json:"foreignPenalty"`
	// HammingWeight is the score weight per Hamming bit.
	HammingWeight int `json:"hammingWeight"`
	// SelectionSpread is the half-weight distance for stochastic selection
	// among own exact matches; 0 selects deterministically.
	SelectionSpread int `json:"selectionSpread"`
}

// Encoder holds the encoder.* sampling intervals, each ≥ 1.
type Encoder struct {
	AccumulatedDeltaInterval int `json:"accumulatedDeltaInterval"`
	SnapshotInterval         int `json:"snapshotInterval"`
	ChunkInterval            int `json:"chunkInterval"`
}

// Engine holds the engine.* scalars.
type Engine struct {
	// Seed is the root RNG seed, an arbitrary string expanded into the
	// root provider's digest.
	Seed string `json:"seed"`
	// InstructionEnergyCost is charged per committed instruction.
	InstructionEnergyCost float64 `json:"instructionEnergyCost"`
	// FailureEnergyCost is charged per failed instruction.
	FailureEnergyCost float64 `json:"failureEnergyCost"`
}

// Config is the whole recognized configuration surface.
type Config struct {
	LabelMatching LabelMatching `json:"labelMatching"`
	Encoder       Encoder       `json:"encoder"`
	Engine        Engine        `json:"engine"`

	// PostgresDSN, when set, enables the Postgres chunk sink. Empty keeps
	// chunks in memory only.
	PostgresDSN string `json:"postgresDsn,omitempty"`
}

// Default returns the documented defaults: T=2, P=100, H=50, S=0, every
// encoder interval 1, unit energy costs.
func Default() Config {
	return Config{
		LabelMatching: LabelMatching{Tolerance: 2, ForeignPenalty: 100, HammingWeight: 50, SelectionSpread: 0},
		Encoder:       Encoder{AccumulatedDeltaInterval: 1, SnapshotInterval: 1, ChunkInterval: 1},
		Engine:        Engine{Seed: "evocore", InstructionEnergyCost: 1, FailureEnergyCost: 1},
	}
}

// Load reads path, layers it over Default, and validates. Unknown fields
// are an error.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails fast on out-of-range options.
func (c Config) Validate() error {
	if c.LabelMatching.Tolerance < 1 || c.LabelMatching.Tolerance > 3 {
		return fmt.Errorf("config: labelMatching.tolerance must be in {1,2,3}, got %d", c.LabelMatching.Tolerance)
	}
	if c.LabelMatching.ForeignPenalty < 0 {
		return fmt.Errorf("config: labelMatching.foreignPenalty must be >= 0, got %d", c.LabelMatching.ForeignPenalty)
	}
	if c.LabelMatching.HammingWeight < 0 {
		return fmt.Errorf("config: labelMatching.hammingWeight must be >= 0, got %d", c.LabelMatching.HammingWeight)
	}
	if c.LabelMatching.SelectionSpread < 0 {
		return fmt.Errorf("config: labelMatching.selectionSpread must be >= 0, got %d", c.LabelMatching.SelectionSpread)
	}
	for name, v := range map[string]int{
		"encoder.accumulatedDeltaInterval": c.Encoder.AccumulatedDeltaInterval,
		"encoder.snapshotInterval":         c.Encoder.SnapshotInterval,
		"encoder.chunkInterval":            c.Encoder.ChunkInterval,
	} {
		if v < 1 {
			return fmt.Errorf("config: %s must be >= 1, got %d", name, v)
		}
	}
	if c.Engine.InstructionEnergyCost < 0 || c.Engine.FailureEnergyCost < 0 {
		return fmt.Errorf("config: engine energy costs must be >= 0")
	}
	return nil
}
