// Package knobs implements the per-instruction tuning parameter schema
// (tile sizes, unroll factors), its JSON file format, and the
// print-mode divisor enumeration described in spec §6/§4.4.5.
package knobs

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// Defaults carries the compile-time tuning defaults threaded through
// the engine constructor, replacing the source's file-scope mutable
// globals (spec §9, "Global mutable tuning knobs").
type Defaults struct {
	TileSize              int
	TileSizeM             int
	TileSizeN             int
	TileSizeK             int
	InnerLoopUnrollFactor int
	MemcpyMode            bool
}

// DefaultConfig returns the compile-time defaults named in spec §6.
func DefaultConfig() Defaults {
	return Defaults{
		TileSize:              2,
		TileSizeM:             4,
		TileSizeN:             4,
		TileSizeK:             10,
		InnerLoopUnrollFactor: 0,
		MemcpyMode:            true,
	}
}

// Knob is the per-instruction tuning value read from or written to the
// knob JSON file. Which fields are populated depends on the intrinsic
// shape: elementwise only sets TileSize; matmul sets all three tile
// dimensions plus the unroll factor; transpose sets M/N and unroll.
type Knob struct {
	TileSize              *int `json:"TileSize,omitempty"`
	TileSizeM             *int `json:"TileSize_M,omitempty"`
	TileSizeN             *int `json:"TileSize_N,omitempty"`
	TileSizeK             *int `json:"TileSize_K,omitempty"`
	InnerLoopUnrollFactor *int `json:"InnerLoopUnrollFactor,omitempty"`
}

// Set is the full per-function, per-instance knob table loaded from or
// written to disk: top-level keyed by function name, then by
// instruction instance name ("<IntrinsicID>_<counter>").
type Set map[string]map[string]Knob

// Lookup returns the knob for fn/instance, or ok=false if absent (the
// caller falls back to Defaults).
func (s Set) Lookup(fn, instance string) (Knob, bool) {
	byInstance, ok := s[fn]
	if !ok {
		return Knob{}, false
	}
	k, ok := byInstance[instance]
	return k, ok
}

// ReadFrom loads a KnobSet from a JSON file at path, matching the
// "read-knobs-from" CLI option. The read is guarded with an advisory
// file lock, the same mechanism the teacher project uses
// (github.com/gofrs/flock) to serialize access to its runtime cache
// directory, reused here to serialize access to a knob file that may be
// shared across concurrent invocations of the tool.
func ReadFrom(path string) (Set, error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("knobs: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knobs: read %s: %w", path, err)
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("knobs: parse %s: %w", path, err)
	}
	return s, nil
}

// intRange is the print-mode JSON shape for the unroll factor: a closed
// interval rather than an enumerated list.
type intRange struct {
	DataType  string  `json:"data_type"`
	DataRange [2]int  `json:"data_range"`
}

// intValues is the print-mode JSON shape for tile sizes: an enumerated
// list of legal divisors.
type intValues struct {
	DataType string `json:"data_type"`
	Values   []int  `json:"values"`
}

// PrintEntry is one instruction's print-mode schema: a map from knob
// field name ("TileSize", "TileSize_M", ...) to its legal-value
// description.
type PrintEntry map[string]any

// Divisors returns every divisor of n that is <= cap, ascending. Used
// by print-knobs mode to enumerate legal tile sizes for a shape
// dimension (spec §4.4.5, scenario 6 in spec §8).
func Divisors(n uint64, cap int) []int {
	var out []int
	for d := uint64(1); d <= n; d++ {
		if n%d == 0 && d <= uint64(cap) {
			out = append(out, int(d))
		}
	}
	return out
}

const divisorCap = 128
const unrollMax = 16

func divisorEntry(n uint64) intValues {
	return intValues{DataType: "int", Values: Divisors(n, divisorCap)}
}

func unrollEntry() intRange {
	return intRange{DataType: "int", DataRange: [2]int{0, unrollMax}}
}

// ElementwisePrintEntry builds the print-mode schema for an elementwise
// or broadcast intrinsic over a tensor of productShape elements.
func ElementwisePrintEntry(productShape uint64) PrintEntry {
	return PrintEntry{
		"TileSize": divisorEntry(productShape),
	}
}

// MatmulPrintEntry builds the print-mode schema for a matmul intrinsic
// given the M, N, K dimensions of the operation.
func MatmulPrintEntry(m, n, k uint64) PrintEntry {
	return PrintEntry{
		"TileSize_M":            divisorEntry(m),
		"TileSize_N":            divisorEntry(n),
		"TileSize_K":            divisorEntry(k),
		"InnerLoopUnrollFactor": unrollEntry(),
	}
}

// TransposePrintEntry builds the print-mode schema for a transpose
// intrinsic given the M, N dimensions of the last two axes.
func TransposePrintEntry(m, n uint64) PrintEntry {
	return PrintEntry{
		"TileSize_M":            divisorEntry(m),
		"TileSize_N":            divisorEntry(n),
		"InnerLoopUnrollFactor": unrollEntry(),
	}
}

// PrintSchema is the top-level print-mode document: function name ->
// instance name -> PrintEntry.
type PrintSchema map[string]map[string]PrintEntry

// WriteTo writes schema as JSON to path, matching "print-knobs-to".
// The write is guarded by the same advisory lock as ReadFrom.
func WriteTo(path string, schema PrintSchema) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("knobs: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("knobs: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
