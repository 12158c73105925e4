// Package preimage builds the canonical 64-byte preimage a dMint contract's
// proof of work is computed over, and the per-algorithm midstate the device
// search driver absorbs it into.
package preimage

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"fmt"

	"go.dmint.dev/miner/types"
)

// Len is the size in bytes of the canonical preimage.
const Len = 64

// Build constructs the 64-byte preimage for w:
//
//	preimage[0..31]  = SHA-256( reverse(location_txid) || contract_ref )
//	preimage[32..63] = SHA-256( SHA-256d(input_script) || SHA-256d(output_script) )
func Build(w types.Work) [Len]byte {
	var out [Len]byte

	var left [32 + 36]byte
	reversed := reverseTxID(w.TxID)
	copy(left[:32], reversed[:])
	encodeRef(left[32:], w.ContractRef)
	h1 := sha256.Sum256(left[:])
	copy(out[0:32], h1[:])

	inDigest := sha256d(w.InputScript)
	outDigest := sha256d(w.OutputScript)
	var right [64]byte
	copy(right[:32], inDigest[:])
	copy(right[32:], outDigest[:])
	h2 := sha256.Sum256(right[:])
	copy(out[32:64], h2[:])

	return out
}

// Input returns the 72-byte device hash input: the preimage with the
// candidate nonce appended.
func Input(pre [Len]byte, nonce types.NonceCandidate) [Len + 8]byte {
	var in [Len + 8]byte
	copy(in[:Len], pre[:])
	b := nonce.Bytes()
	copy(in[Len:], b[:])
	return in
}

func sha256d(b []byte) [32]byte {
	h1 := sha256.Sum256(b)
	return sha256.Sum256(h1[:])
}

func reverseTxID(t types.TxID) types.TxID {
	var r types.TxID
	for i := range t {
		r[i] = t[len(t)-1-i]
	}
	return r
}

func encodeRef(dst []byte, r types.Ref) {
	copy(dst[:32], r.TxID[:])
	binary.LittleEndian.PutUint32(dst[32:36], r.Vout)
}

// SHA256dMidstate returns the 32-byte SHA-256 partial state after absorbing
// the 64-byte preimage as one block — the device hashes only the second
// block (nonce + padding) from this state.
func SHA256dMidstate(pre [Len]byte) [32]byte {
	return sha256BlockState(pre)
}

// BLAKE3Midstate returns the preimage as 16 little-endian u32 words, the
// layout the on-device BLAKE3 kernel expects as its first-block input.
func BLAKE3Midstate(pre [Len]byte) [16]uint32 {
	return littleEndianWords(pre)
}

// K12Midstate returns the preimage as 16 little-endian u32 words, absorbed
// on-device into a zero-initialized 1600-bit Keccak state.
func K12Midstate(pre [Len]byte) [16]uint32 {
	return littleEndianWords(pre)
}

// Argon2idLightMidstate returns the raw preimage bytes; Argon2id-Light has
// no midstate precomputation, and is refused at the registry
// layer regardless (see algo.ErrUnsupportedAlgorithm).
func Argon2idLightMidstate(pre [Len]byte) [Len]byte { return pre }

func littleEndianWords(pre [Len]byte) (words [16]uint32) {
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(pre[i*4 : i*4+4])
	}
	return
}

// sha256Magic is crypto/sha256's internal digest state identifier, the
// first four bytes of what (*sha256.digest).MarshalBinary produces for a
// non-SHA-224 digest. It is not exported by the stdlib package, but the
// marshaled layout it prefixes (magic, then the eight h[] words
// big-endian, then the 64-byte block buffer, then the 8-byte absorbed
// length) is part of crypto/sha256's documented encoding.BinaryMarshaler
// contract, which is the only way the stdlib exposes the true internal
// chaining value short of absorbing a second block for real.
const sha256Magic = "sha\x03"

// sha256StateSize is the marshaled size of one crypto/sha256 digest:
// magic(4) + h(8*4) + block buffer(64) + length(8).
const sha256StateSize = len(sha256Magic) + 8*4 + sha256.BlockSize + 8

// sha256BlockState returns the raw SHA-256 chaining value (a..h) after
// compressing exactly one 64-byte block, as it would sit mid-computation
// before any length padding or finalization — the state a device resumes
// compression from for the second (nonce + padding) block. This is not
// h.Sum(block), which finalizes assuming the block is the entire message
// and so is simply SHA-256(block); it is extracted via the digest's
// BinaryMarshaler, the only channel crypto/sha256 exposes this through.
func sha256BlockState(block [Len]byte) [32]byte {
	h := sha256.New()
	h.Write(block[:])
	b, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("preimage: sha256 midstate marshal: %v", err))
	}
	if len(b) != sha256StateSize || string(b[:len(sha256Magic)]) != sha256Magic {
		panic("preimage: unexpected crypto/sha256 digest encoding")
	}
	var state [32]byte
	copy(state[:], b[len(sha256Magic):len(sha256Magic)+32])
	return state
}

// ResumeSHA256 finishes a SHA-256 computation from the midstate chaining
// value SHA256dMidstate returns (one block already absorbed) over tail,
// reproducing exactly what a device kernel resuming compression from that
// midstate would compute for sha256.Sum256(append(block, tail...)). It
// exists primarily to prove that property; the host verifier and the
// CPU stand-in device driver both hash the full input directly instead,
// since there is no literal hardware kernel in this pack to resume on.
func ResumeSHA256(state [32]byte, tail []byte) [32]byte {
	b := make([]byte, 0, sha256StateSize)
	b = append(b, sha256Magic...)
	b = append(b, state[:]...)
	b = append(b, make([]byte, sha256.BlockSize)...) // block buffer: empty, one block is absorbed exactly
	b = binary.BigEndian.AppendUint64(b, Len)         // bytes absorbed so far: the one preimage block

	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(b); err != nil {
		panic(fmt.Sprintf("preimage: sha256 midstate resume: %v", err))
	}
	h.Write(tail)
	var out [32]byte
	h.Sum(out[:0])
	return out
}
