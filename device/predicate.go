package device

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/holiman/uint256"
	"go.dmint.dev/miner/preimage"
	"go.dmint.dev/miner/types"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// targetWordsLegacyV1 lays a LegacyV1 target out the way the device buffer
// holds it: [0, target_hi32, target_lo32].
func targetWordsLegacyV1(target uint64) [3]uint32 {
	return [3]uint32{0, uint32(target >> 32), uint32(target)}
}

// targetWordsFull256 lays a Full256 target out as eight big-endian u32
// words, most significant first.
func targetWordsFull256(target uint256.Int) [8]uint32 {
	var b [32]byte
	be := target.Bytes32()
	copy(b[:], be[:])
	var words [8]uint32
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}
	return words
}

// hashWordsLE reinterprets the first 8 bytes of an on-device hash as two
// little-endian u32 words, the layout the device stores results in.
func hashWordsLE(h [32]byte) (w0, w1 uint32) {
	w0 = binary.LittleEndian.Uint32(h[0:4])
	w1 = binary.LittleEndian.Uint32(h[4:8])
	return
}

// legacyAccepts applies the LegacyV1 device-side predicate: byte-swap the
// little-endian hash words before comparing against the big-endian target
// halves: the one contractual trap in this whole pipeline.
func legacyAccepts(h [32]byte, target uint64) bool {
	if target == 0 {
		return false
	}
	w0, w1 := hashWordsLE(h)
	if byteSwap32(w0) != 0 {
		return false
	}
	hi := byteSwap32(w1)
	lo32 := binary.LittleEndian.Uint32(h[8:12])
	v := uint64(hi)<<32 | uint64(byteSwap32(lo32))
	return v < target
}

// full256Accepts compares the device's little-endian hash words against a
// big-endian target, most-significant word first, byte-swapping each word.
func full256Accepts(h [32]byte, target uint256.Int) bool {
	if target.IsZero() {
		return false
	}
	words := targetWordsFull256(target)
	for i := 0; i < 8; i++ {
		hw := byteSwap32(binary.LittleEndian.Uint32(h[i*4 : i*4+4]))
		if hw != words[i] {
			return hw < words[i]
		}
	}
	return false
}

func byteSwap32(v uint32) uint32 {
	return (v&0x000000ff)<<24 | (v&0x0000ff00)<<8 | (v&0x00ff0000)>>8 | (v&0xff000000)>>24
}

// deviceHash computes the hash a search kernel would for one nonce. It
// duplicates the arm selection in package verify deliberately: the device
// and the host verifier are separate units that must
// independently reach the same answer, not share an implementation.
func deviceHash(algorithm types.AlgoID, pre [preimage.Len]byte, nonce types.NonceCandidate) [32]byte {
	in := preimage.Input(pre, nonce)
	switch algorithm {
	case types.AlgoBLAKE3:
		return blake3.Sum256(in[:])
	case types.AlgoK12:
		h := sha3.NewLegacyKeccak256()
		h.Write(in[:])
		var out [32]byte
		h.Sum(out[:0])
		return out
	default:
		h1 := sha256.Sum256(in[:])
		return sha256.Sum256(h1[:])
	}
}

// devicePredicate is the on-device accept/reject test for one computed
// hash, dispatched on the target's format.
func devicePredicate(algorithm types.AlgoID, target types.Target, h [32]byte) bool {
	if target.Format == types.LegacyV1 {
		return legacyAccepts(h, target.Legacy())
	}
	return full256Accepts(h, target.Full())
}
