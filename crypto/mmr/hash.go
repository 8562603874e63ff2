package mmr

import "crypto/sha256"

// Domain-separation prefixes. Leaves, inner nodes and the final peak bag
// hash under distinct prefixes so no value of one kind can be reinterpreted
// as another.
var (
	leafPrefix  = []byte{0}
	innerPrefix = []byte{1}
	bagPrefix   = []byte{2}
)

func emptyHash() []byte {
	h := sha256.Sum256([]byte{})
	return h[:]
}

// leafHash returns sha256(0x00 || leaf).
func leafHash(leaf []byte) []byte {
	h := sha256.Sum256(append(leafPrefix, leaf...))
	return h[:]
}

// innerHash returns sha256(0x01 || left || right).
func innerHash(left, right []byte) []byte {
	data := make([]byte, 0, len(innerPrefix)+len(left)+len(right))
	data = append(data, innerPrefix...)
	data = append(data, left...)
	data = append(data, right...)
	h := sha256.Sum256(data)
	return h[:]
}

// bagPeaks hashes all peak hashes together, in ascending position order,
// into the single root committing to the whole mountain range.
func bagPeaks(peaks [][]byte) []byte {
	if len(peaks) == 0 {
		return emptyHash()
	}
	hasher := sha256.New()
	hasher.Write(bagPrefix)
	for _, peak := range peaks {
		hasher.Write(peak)
	}
	return hasher.Sum(nil)
}
