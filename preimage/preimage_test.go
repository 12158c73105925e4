package preimage_test

import (
	"crypto/sha256"
	"testing"

	"go.dmint.dev/miner/preimage"
	"go.dmint.dev/miner/types"
)

func testWork() types.Work {
	var txid types.TxID
	for i := range txid {
		txid[i] = byte(i)
	}
	return types.Work{
		TxID:         txid,
		ContractRef:  types.Ref{TxID: txid, Vout: 1},
		InputScript:  []byte("input-script"),
		OutputScript: []byte("output-script"),
		Target:       types.NewLegacyTarget(1),
		Algorithm:    types.AlgoSHA256d,
	}
}

func TestBuildDeterministic(t *testing.T) {
	w := testWork()
	p1 := preimage.Build(w)
	p2 := preimage.Build(w)
	if p1 != p2 {
		t.Fatal("Build is not deterministic")
	}
}

func TestBuildSensitiveToInputs(t *testing.T) {
	w := testWork()
	base := preimage.Build(w)

	w2 := testWork()
	w2.OutputScript = []byte("different-output-script")
	changed := preimage.Build(w2)
	if base == changed {
		t.Fatal("changing OutputScript did not change the preimage")
	}

	w3 := testWork()
	w3.ContractRef.Vout++
	changed3 := preimage.Build(w3)
	if base == changed3 {
		t.Fatal("changing ContractRef did not change the preimage")
	}
}

func TestInputAppendsNonce(t *testing.T) {
	pre := preimage.Build(testWork())
	nonce := types.NonceCandidate{Hi: 1, Lo: 2}
	in := preimage.Input(pre, nonce)
	if len(in) != preimage.Len+8 {
		t.Fatalf("got length %d, want %d", len(in), preimage.Len+8)
	}
	if [preimage.Len]byte(in[:preimage.Len]) != pre {
		t.Fatal("Input did not preserve the preimage prefix")
	}
	wantNonce := nonce.Bytes()
	var gotNonce [8]byte
	copy(gotNonce[:], in[preimage.Len:])
	if gotNonce != wantNonce {
		t.Fatalf("got nonce bytes %x, want %x", gotNonce, wantNonce)
	}
}

func TestMidstateLayouts(t *testing.T) {
	pre := preimage.Build(testWork())

	if got := preimage.BLAKE3Midstate(pre); got != littleEndianWordsRef(pre) {
		t.Fatalf("BLAKE3Midstate: got %v, want the preimage as little-endian u32 words", got)
	}
	if got := preimage.K12Midstate(pre); got != littleEndianWordsRef(pre) {
		t.Fatalf("K12Midstate: got %v, want the preimage as little-endian u32 words", got)
	}
	if got := preimage.Argon2idLightMidstate(pre); got != pre {
		t.Fatal("Argon2idLightMidstate should pass the preimage through unchanged")
	}
}

func littleEndianWordsRef(pre [preimage.Len]byte) (words [16]uint32) {
	for i := range words {
		words[i] = uint32(pre[i*4]) | uint32(pre[i*4+1])<<8 | uint32(pre[i*4+2])<<16 | uint32(pre[i*4+3])<<24
	}
	return
}

// TestSHA256MidstateResumesSecondBlock is the one property component B
// exists to guarantee: resuming a SHA-256 computation from
// SHA256dMidstate over the second (nonce + padding) block must reproduce
// the same digest as hashing the 72-byte preimage||nonce input directly.
// A midstate that only re-derives SHA-256(preimage) (i.e. finalizes after
// one block instead of exposing the raw chaining value) would pass every
// other test in this file yet make every on-device hash wrong.
func TestSHA256MidstateResumesSecondBlock(t *testing.T) {
	pre := preimage.Build(testWork())
	nonce := types.NonceCandidate{Hi: 0xdeadbeef, Lo: 0x12345678}

	mid := preimage.SHA256dMidstate(pre)
	nb := nonce.Bytes()
	resumed := preimage.ResumeSHA256(mid, nb[:])

	in := preimage.Input(pre, nonce)
	want := sha256.Sum256(in[:])

	if resumed != want {
		t.Fatalf("resuming from the midstate over the nonce block gave %x, want %x (direct sha256.Sum256 of the full 72-byte input)", resumed, want)
	}

	// The full sha256d(preimage||nonce) the verifier and device both
	// compute is one more SHA-256 pass over the resumed digest.
	gotD := sha256.Sum256(resumed[:])
	wantD := sha256.Sum256(want[:])
	if gotD != wantD {
		t.Fatal("sha256d over the resumed digest diverged from sha256d over the direct digest")
	}
}

// TestSHA256MidstateDiffersFromDirectHash guards against the specific
// regression this test file previously masked: SHA256dMidstate must not
// equal sha256.Sum256(preimage), since that value is a finalized digest
// (with length padding already applied for a 64-byte message), not a
// resumable chaining value for a second block.
func TestSHA256MidstateDiffersFromDirectHash(t *testing.T) {
	pre := preimage.Build(testWork())
	mid := preimage.SHA256dMidstate(pre)
	direct := sha256.Sum256(pre[:])
	if mid == direct {
		t.Fatal("SHA256dMidstate must not equal sha256.Sum256(preimage); it finalizes instead of exposing the chaining value")
	}
}
