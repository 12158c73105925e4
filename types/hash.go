package types

import (
	"crypto/sha256"
	"hash"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// HashBytes computes the generic 256-bit hash of b, used wherever a hash
// is needed that is not part of a PoW comparison (address derivation).
// PoW hashing goes through the
// preimage/verify packages' algorithm-specific hashers instead.
func HashBytes(b []byte) Hash256 {
	h := blake2b.Sum256(b)
	return Hash256(h)
}

// A Hasher streams objects into the generic hash function via an Encoder,
// pooled to avoid repeated allocation on hot paths.
type Hasher struct {
	h   hash.Hash
	sum Hash256
	E   *Encoder
}

// Reset resets the underlying hash and encoder state.
func (h *Hasher) Reset() {
	h.E.n = 0
	h.h.Reset()
}

// Sum returns the digest of the objects written to the Hasher.
func (h *Hasher) Sum() (sum Hash256) {
	_ = h.E.Flush()
	h.h.Sum(h.sum[:0])
	return h.sum
}

// NewHasher returns a new Hasher instance.
func NewHasher() *Hasher {
	h, _ := blake2b.New256(nil)
	return &Hasher{h: h, E: NewEncoder(h)}
}

var hasherPool = &sync.Pool{New: func() interface{} { return NewHasher() }}

func hashAll(elems ...interface{}) Hash256 {
	h := hasherPool.Get().(*Hasher)
	defer hasherPool.Put(h)
	h.Reset()
	for _, e := range elems {
		if et, ok := e.(EncoderTo); ok {
			et.EncodeTo(h.E)
		} else {
			switch e := e.(type) {
			case []byte:
				h.E.WriteBytes(e)
			case string:
				h.E.WriteString(e)
			case uint32:
				h.E.WriteUint32(e)
			case uint64:
				h.E.WriteUint64(e)
			default:
				panic("hashAll: unhandled type")
			}
		}
	}
	return h.Sum()
}

// subscriptionKeySpecifier tags SubscriptionKey's hashAll call, a
// specifier prefix that separates its hash domain from plain HashBytes
// calls.
const subscriptionKeySpecifier = "scripthash"

// SubscriptionKey derives the key a chain gateway's subscription interface
// groups a contract's locking-script updates under, from its reference.
// The exact hashing scheme a real indexer uses is opaque; this only needs
// to be a stable, collision-resistant function of ref.
func SubscriptionKey(ref Ref) Hash256 {
	return hashAll(subscriptionKeySpecifier, ref)
}

// addressFromCompressed derives a P2PKH-style Address from a compressed
// secp256k1 public key: the first 20 bytes of the generic hash of the
// SHA-256 digest of the key. This mirrors Bitcoin's hash160 construction in
// spirit (an outer hash over a SHA-256 digest of the key) but uses this
// module's own generic hasher for the outer step rather than RIPEMD-160,
// since nothing downstream of the wallet adapter needs bit-for-bit
// Bitcoin-address compatibility.
func addressFromCompressed(pk PublicKey) (Address, error) {
	inner := sha256.Sum256(pk[:])
	outer := HashBytes(inner[:])
	var a Address
	copy(a[:], outer[:len(a)])
	return a, nil
}
