// Package compress provides lossy, fixed-ratio dimensionality reduction of
// embedding vectors for compact storage.
//
// The compressed form is a pre-filter summary only; the authoritative vector
// used for final ranking is always the uncompressed one.
package compress

import (
	"github.com/lucivskvn/openmemory/distance"
)

// ForStorage projects v down to targetDim components and re-normalizes the
// result to unit L2 norm.
//
// The projection is deterministic and parameter-free: components beyond
// targetDim are folded back (added) onto the retained components, so every
// input dimension contributes to the output. Guarantees:
//
//   - len(result) == targetDim
//   - L2 norm of result ≈ 1 whenever v is non-zero
//   - a zero input yields a zero output (no division by zero)
//
// A targetDim <= 0 or >= len(v) returns a normalized copy of v unchanged in
// dimensionality.
func ForStorage(v []float32, targetDim int) []float32 {
	if targetDim <= 0 || targetDim >= len(v) {
		out := make([]float32, len(v))
		copy(out, v)
		distance.NormalizeL2InPlace(out)
		return out
	}

	out := make([]float32, targetDim)
	for i, val := range v {
		out[i%targetDim] += val
	}
	distance.NormalizeL2InPlace(out)
	return out
}

// Codec produces compact summaries at a fixed target dimensionality and
// quantizes them to one byte per component for decompression-free filtering.
type Codec struct {
	// TargetDim is the summary dimensionality. Zero disables reduction.
	TargetDim int
}

// Summarize returns the float summary of v at the codec's target dimension.
func (c *Codec) Summarize(v []float32) []float32 {
	return ForStorage(v, c.TargetDim)
}

// Encode quantizes a unit-norm summary to 8-bit codes.
// Each component is linearly mapped from [-1, 1] to [0, 255].
func (c *Codec) Encode(summary []float32) []byte {
	codes := make([]byte, len(summary))
	for i, val := range summary {
		if val < -1 {
			val = -1
		} else if val > 1 {
			val = 1
		}
		codes[i] = uint8((val+1)*127.5 + 0.5)
	}
	return codes
}

// Decode reconstructs an approximate float summary from 8-bit codes.
func (c *Codec) Decode(codes []byte) []float32 {
	out := make([]float32, len(codes))
	for i, b := range codes {
		out[i] = float32(b)/127.5 - 1
	}
	return out
}

// ApproxSimilarity estimates cosine similarity between two encoded summaries
// without materializing float vectors. Suitable for coarse pre-filtering only.
func (c *Codec) ApproxSimilarity(a, b []byte) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		av := float64(a[i])/127.5 - 1
		bv := float64(b[i])/127.5 - 1
		dot += av * bv
	}
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return float32(dot)
}
