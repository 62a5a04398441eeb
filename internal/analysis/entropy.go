package analysis

import "math"

// Entropy computes the Shannon entropy of data in bits per byte (0..8).
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// packedEntropyThreshold marks content as likely packed or encrypted.
// High-entropy payloads defeat string matching, so triage records this as a
// suspicion signal rather than a verdict on its own.
const packedEntropyThreshold = 7.0

// LikelyPacked reports whether the content's entropy suggests packing or
// encryption.
func LikelyPacked(data []byte) bool {
	return Entropy(data) > packedEntropyThreshold
}
