package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	tmbytes "github.com/massif-org/massif/libs/bytes"
)

// Kernel is a transaction kernel: the excess commitment and signature
// proving a transaction balanced. Kernels are never pruned; their hashes
// are the leaves of the kernel MMR.
type Kernel struct {
	Features  uint8            `json:"features"`
	Fee       uint64           `json:"fee"`
	Excess    tmbytes.HexBytes `json:"excess"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// Hash returns the kernel's leaf hash in the kernel MMR.
func (k *Kernel) Hash() tmbytes.HexBytes {
	hasher := sha256.New()
	hasher.Write([]byte{k.Features})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], k.Fee)
	hasher.Write(buf[:])
	hasher.Write(k.Excess)
	hasher.Write(k.Signature)
	return hasher.Sum(nil)
}

// Output is a transaction output. Spent outputs stay in the output MMR
// as deletion-marked leaves; only unspent ones carry a range proof worth
// fetching.
type Output struct {
	Features   uint8            `json:"features"`
	Commitment tmbytes.HexBytes `json:"commitment"`
	RangeProof tmbytes.HexBytes `json:"range_proof"`
}

// Hash returns the output's leaf hash in the output MMR.
func (o *Output) Hash() tmbytes.HexBytes {
	hasher := sha256.New()
	hasher.Write([]byte{o.Features})
	hasher.Write(o.Commitment)
	return hasher.Sum(nil)
}

// HistoricalBlock is a full block as served by peers during forward
// sync: a header plus its kernel and output bodies.
type HistoricalBlock struct {
	Header  Header   `json:"header"`
	Kernels []Kernel `json:"kernels"`
	Outputs []Output `json:"outputs"`
}

// Hash returns the block hash, which is the header hash.
func (b *HistoricalBlock) Hash() tmbytes.HexBytes {
	return b.Header.Hash()
}

// ValidateBasic performs stateless validity checks on the block.
func (b *HistoricalBlock) ValidateBasic() error {
	if err := b.Header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	for i, k := range b.Kernels {
		if len(k.Excess) == 0 {
			return fmt.Errorf("kernel %d: empty excess", i)
		}
	}
	for i, o := range b.Outputs {
		if len(o.Commitment) == 0 {
			return fmt.Errorf("output %d: empty commitment", i)
		}
	}
	return nil
}
