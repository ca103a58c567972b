package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
)

// ContentHash returns the sha256 hex digest of a string (§3 "content_hash",
// §4.8 ephemeral RAG dedupe).
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// SpeciesHashInput is the behavioral DNA of a cell invocation whose
// deterministic hash is the species hash (§3 Identity hashes).
// It deliberately excludes model and cascade ID.
type SpeciesHashInput struct {
	Instructions     string         `json:"instructions,omitempty"`
	Tool             string         `json:"tool,omitempty"`
	Candidates       *CandidatesConfig `json:"candidates,omitempty"`
	Rules            *Rules         `json:"rules,omitempty"`
	OutputSchema     map[string]any `json:"output_schema,omitempty"`
	Wards            *Wards         `json:"wards,omitempty"`
	RenderedInputs   map[string]any `json:"rendered_inputs,omitempty"`
}

// SpeciesHash computes a deterministic 16-char hex hash of a cell's
// behavioral DNA (§3). Per the open-question decision in SPEC_FULL.md §5-9:
// numeric values in RenderedInputs are rounded to 6 decimals to kill
// floating point jitter, and map keys are canonicalized by sort order
// (encoding/json already sorts map[string]any keys on marshal, which gives
// us canonical ordering for free); raw string content is never normalized.
func SpeciesHash(in SpeciesHashInput) (string, error) {
	normalized := SpeciesHashInput{
		Instructions:   in.Instructions,
		Tool:           in.Tool,
		Candidates:     in.Candidates,
		Rules:          in.Rules,
		OutputSchema:   normalizeValue(in.OutputSchema).(map[string]any),
		Wards:          in.Wards,
		RenderedInputs: normalizeValue(in.RenderedInputs).(map[string]any),
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// GenusHashInput is the identity of a whole cascade invocation (§3).
type GenusHashInput struct {
	CascadeID        string   `json:"cascade_id"`
	CellStructure    []string `json:"cell_structure"` // "<name>:<variant type>"
	InputFingerprint string   `json:"input_fingerprint"` // shape + size bucket summary
}

// GenusHash computes a deterministic hash of a cascade invocation (§3).
func GenusHash(in GenusHashInput) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// CellStructureSummary builds the GenusHashInput.CellStructure list: one
// "<name>:<variant>" entry per cell, in declared order.
func CellStructureSummary(cascade *Cascade) []string {
	out := make([]string, 0, len(cascade.Cells))
	for _, c := range cascade.Cells {
		variant, err := c.Type()
		if err != nil {
			variant = "invalid"
		}
		out = append(out, c.Name+":"+string(variant))
	}
	return out
}

// InputFingerprint summarizes input_data shape and size buckets (not raw
// content) for genus-hash input comparability across runs with different
// literal values but the same structural shape.
func InputFingerprint(input map[string]any) string {
	shape := fingerprintValue(input)
	data, _ := json.Marshal(shape)
	return string(data)
}

func fingerprintValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = fingerprintValue(val[k])
		}
		return out
	case []any:
		return map[string]any{"_type": "list", "_bucket": sizeBucket(len(val))}
	case string:
		return map[string]any{"_type": "string", "_bucket": sizeBucket(len(val))}
	case float64, int, int64:
		return map[string]any{"_type": "number"}
	case bool:
		return map[string]any{"_type": "bool"}
	case nil:
		return map[string]any{"_type": "null"}
	default:
		return map[string]any{"_type": "unknown"}
	}
}

// sizeBucket buckets a length into tiny/small/medium/large/huge, reused by
// both genus-hash fingerprinting and the analytics worker's input
// complexity category (§4.12 point 3).
func sizeBucket(n int) string {
	switch {
	case n <= 16:
		return "tiny"
	case n <= 256:
		return "small"
	case n <= 4096:
		return "medium"
	case n <= 65536:
		return "large"
	default:
		return "huge"
	}
}

// SizeBucket exports sizeBucket for use outside this package (analytics).
func SizeBucket(n int) string { return sizeBucket(n) }

// normalizeValue recursively rounds float64 values to 6 decimal places and
// leaves everything else untouched, so species hashes are stable across
// runs that differ only in floating-point template-evaluation noise.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return map[string]any{}
		}
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeValue(vv)
		}
		return out
	case float64:
		return math.Round(val*1e6) / 1e6
	default:
		return v
	}
}
