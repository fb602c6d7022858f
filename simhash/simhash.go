// Package simhash computes 64-bit near-duplicate fingerprints of memory
// content. Two texts with mostly overlapping token sets hash to fingerprints
// with a small Hamming distance.
package simhash

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns the 64-bit simhash of text.
// An empty or all-separator text yields 0.
func Fingerprint(text string) uint64 {
	var counts [64]int

	for _, tok := range tokenize(text) {
		h := xxhash.Sum64String(tok)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				counts[bit]++
			} else {
				counts[bit]--
			}
		}
	}

	var fp uint64
	for bit := 0; bit < 64; bit++ {
		if counts[bit] > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}

// HammingDistance returns the number of differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// NearDuplicate reports whether two fingerprints are within maxDistance bits
// of each other. Both fingerprints must be non-zero for a match.
func NearDuplicate(a, b uint64, maxDistance int) bool {
	if a == 0 || b == 0 {
		return false
	}
	return HammingDistance(a, b) <= maxDistance
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
