package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	tmbytes "github.com/massif-org/massif/libs/bytes"
)

// Header is a block header. Besides the usual chain linkage it commits to
// the roots of the three accumulator trees (kernels, outputs, range
// proofs) that a pruned node rebuilds during horizon sync; an MMR
// reassembled at this height must match these roots.
type Header struct {
	Height          uint64           `json:"height"`
	PrevHash        tmbytes.HexBytes `json:"prev_hash"`
	Timestamp       uint64           `json:"timestamp"`
	KernelRoot      tmbytes.HexBytes `json:"kernel_root"`
	OutputRoot      tmbytes.HexBytes `json:"output_root"`
	RangeProofRoot  tmbytes.HexBytes `json:"range_proof_root"`
	TotalDifficulty uint64           `json:"total_difficulty"`
	Nonce           uint64           `json:"nonce"`
}

// Hash returns the header hash: sha256 over the fixed-order binary
// encoding of all header fields.
func (h *Header) Hash() tmbytes.HexBytes {
	hasher := sha256.New()

	var buf [8]byte
	for _, v := range []uint64{h.Height, h.Timestamp, h.TotalDifficulty, h.Nonce} {
		binary.BigEndian.PutUint64(buf[:], v)
		hasher.Write(buf[:])
	}
	hasher.Write(h.PrevHash)
	hasher.Write(h.KernelRoot)
	hasher.Write(h.OutputRoot)
	hasher.Write(h.RangeProofRoot)

	return hasher.Sum(nil)
}

// ValidateBasic performs stateless validity checks on the header.
func (h *Header) ValidateBasic() error {
	if h.Height > 0 && len(h.PrevHash) != sha256.Size {
		return fmt.Errorf("expected PrevHash size %d, got %d", sha256.Size, len(h.PrevHash))
	}
	if len(h.KernelRoot) != sha256.Size {
		return errors.New("invalid kernel root")
	}
	if len(h.OutputRoot) != sha256.Size {
		return errors.New("invalid output root")
	}
	if len(h.RangeProofRoot) != sha256.Size {
		return errors.New("invalid range proof root")
	}
	return nil
}

func (h *Header) String() string {
	return fmt.Sprintf("Header{%d %v}", h.Height, h.Hash())
}
