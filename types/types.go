// Package types defines the core data model of the dMint miner: fixed-size
// value types, the parsed on-chain contract state, the work derived from it,
// and the candidates produced by the search engine.
package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/holiman/uint256"
	"lukechampine.com/frand"
)

// An AlgoID selects the hash family used by a contract.
type AlgoID uint8

// Supported and reserved algorithm identifiers.
const (
	AlgoSHA256d       AlgoID = 0x00
	AlgoBLAKE3        AlgoID = 0x01
	AlgoK12           AlgoID = 0x02
	AlgoArgon2idLight AlgoID = 0x03 // registered, refused: see DESIGN.md Open Questions
	AlgoReserved      AlgoID = 0x04
)

// String implements fmt.Stringer.
func (a AlgoID) String() string {
	switch a {
	case AlgoSHA256d:
		return "sha256d"
	case AlgoBLAKE3:
		return "blake3"
	case AlgoK12:
		return "k12"
	case AlgoArgon2idLight:
		return "argon2id-light"
	default:
		return fmt.Sprintf("algo(%#02x)", uint8(a))
	}
}

// A TargetFormat is the predicate used to compare a hash against a target.
type TargetFormat uint8

// The two target formats declared by the algorithm registry.
const (
	LegacyV1 TargetFormat = iota // 4-byte-zero prefix + 64-bit big-endian compare
	Full256                      // full 256-bit big-endian compare
)

// String implements fmt.Stringer.
func (f TargetFormat) String() string {
	if f == Full256 {
		return "full256"
	}
	return "legacyv1"
}

// MaxLegacyTarget is 2^63-1, the largest representable LegacyV1 target.
const MaxLegacyTarget uint64 = 1<<63 - 1

// MaxFull256Target is 2^256-1, the largest representable Full256 target.
var MaxFull256Target = uint256.MustFromHex("0x" + strings256F)

const strings256F = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

// A Target is the value a candidate hash must fall below under its
// algorithm's declared TargetFormat.
type Target struct {
	Format TargetFormat
	legacy uint64      // meaningful iff Format == LegacyV1
	full   uint256.Int // meaningful iff Format == Full256
}

// NewLegacyTarget returns a LegacyV1 target.
func NewLegacyTarget(v uint64) Target {
	return Target{Format: LegacyV1, legacy: v}
}

// NewFull256Target returns a Full256 target.
func NewFull256Target(v uint256.Int) Target {
	return Target{Format: Full256, full: v}
}

// Legacy returns the target's 64-bit value. Only meaningful if Format == LegacyV1.
func (t Target) Legacy() uint64 { return t.legacy }

// Full returns the target's 256-bit value. Only meaningful if Format == Full256.
func (t Target) Full() uint256.Int { return t.full }

// IsZero reports whether the target is the zero value of its format. A
// ContractState invariant requires target > 0.
func (t Target) IsZero() bool {
	if t.Format == Full256 {
		return t.full.IsZero()
	}
	return t.legacy == 0
}

// String implements fmt.Stringer.
func (t Target) String() string {
	if t.Format == Full256 {
		return t.full.Hex()
	}
	return fmt.Sprintf("%#016x", t.legacy)
}

// A Ref is a 36-byte UTXO identifier: a txid plus an output index.
// It is used both as a contract_ref/token_ref (singleton identity, never
// changes) and as a Location (mutates on every mint).
type Ref struct {
	TxID TxID
	Vout uint32
}

// String implements fmt.Stringer.
func (r Ref) String() string { return fmt.Sprintf("%s:%d", r.TxID, r.Vout) }

// A Location is the UTXO currently holding a contract's state.
type Location = Ref

// A ContractState is the decoded state header of a dMint contract, as parsed
// by the script package from the locking script's prologue.
type ContractState struct {
	Height      uint64
	ContractRef Ref
	TokenRef    Ref
	MaxHeight   uint64
	Reward      uint64 // photons per mint
	Target      Target
	AlgoID      AlgoID

	// V2 fields; zero when the contract uses the v1 (SHA-256d) template.
	LastTime   uint32
	TargetTime uint32

	Location Location
	Message  string
}

// IsV2 reports whether the state carries v2 DAA fields.
func (cs ContractState) IsV2() bool { return cs.AlgoID != AlgoSHA256d }

// Burned reports whether the contract has reached its terminal height.
func (cs ContractState) Burned() bool { return cs.Height >= cs.MaxHeight }

// Validate checks the invariants declared
func (cs ContractState) Validate() error {
	switch {
	case cs.Height > cs.MaxHeight:
		return fmt.Errorf("height %d exceeds max_height %d", cs.Height, cs.MaxHeight)
	case cs.Target.IsZero():
		return errors.New("target must be nonzero")
	case cs.Reward == 0:
		return errors.New("reward must be positive")
	case cs.AlgoID > AlgoReserved:
		return fmt.Errorf("unknown algo_id %#02x", uint8(cs.AlgoID))
	}
	return nil
}

// Work is the immutable-per-location input to the search engine, derived
// from a ContractState and the miner's own scripts.
type Work struct {
	TxID         TxID // reverse(location_txid), as the preimage requires
	ContractRef  Ref
	InputScript  []byte
	OutputScript []byte
	Target       Target
	Algorithm    AlgoID
}

// A NonceCandidate is the 8-byte nonce proposed by the device, as two 32-bit
// halves. Candidates are ordered by (Hi, Lo).
type NonceCandidate struct {
	Hi, Lo uint32
}

// Uint64 returns the candidate as a single 64-bit value.
func (n NonceCandidate) Uint64() uint64 { return uint64(n.Hi)<<32 | uint64(n.Lo) }

// Less reports whether n sorts before m under (Hi, Lo) ordering.
func (n NonceCandidate) Less(m NonceCandidate) bool {
	return n.Hi < m.Hi || (n.Hi == m.Hi && n.Lo < m.Lo)
}

// Bytes returns the little-endian 8-byte encoding of the nonce, as appended
// to the 64-byte preimage to form the 72-byte hash input.
func (n NonceCandidate) Bytes() [8]byte {
	var b [8]byte
	putUint32LE(b[0:4], n.Lo)
	putUint32LE(b[4:8], n.Hi)
	return b
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// A DaaState is the difficulty-adjustment state owned 1-to-1 with a
// ContractState. Fields beyond Difficulty/LastHeight/LastTime are only
// populated for the mode that uses them.
type DaaState struct {
	Difficulty uint64
	LastHeight uint64
	LastTime   uint32

	// LWMA history; capped at 1000 entries (oldest dropped on overflow).
	BlockTimes   []uint32
	Difficulties []uint64

	// ASERT-lite anchor.
	AnchorTime   uint32
	AnchorHeight uint64

	// Epoch anchor.
	EpochStartTime   uint32
	EpochStartHeight uint64
}

// A UTXO is a single unspent output in a WalletSnapshot.
type UTXO struct {
	TxID  TxID
	Vout  uint32
	Value uint64
}

// A WalletSnapshot is the ordered unspent-output view the wallet adapter
// provides to the claim coordinator on demand.
type WalletSnapshot struct {
	UTXOs      []UTXO
	SigningKey PrivateKey
	Address    Address
}

// Balance returns the sum of the snapshot's UTXO values.
func (w WalletSnapshot) Balance() uint64 {
	var sum uint64
	for _, u := range w.UTXOs {
		sum += u.Value
	}
	return sum
}

// A Hash256 is a generic 256-bit hash.
type Hash256 [32]byte

// A TxID uniquely identifies a transaction.
type TxID Hash256

// An Address is a 20-byte P2PKH-style hash of a compressed public key: the
// first 20 bytes of HashBytes over the key's SHA-256 digest, not a
// RIPEMD-160 hash160 (see addressFromCompressed).
type Address [20]byte

// VoidAddress is the all-zero address; nothing can spend to it.
var VoidAddress Address

// A PublicKey is a compressed secp256k1 public key.
type PublicKey [33]byte

// Address returns the P2PKH address derived from pk.
func (pk PublicKey) Address() (Address, error) {
	return addressFromCompressed(pk)
}

// VerifyHash verifies that s is a valid ECDSA signature of h by pk.
func (pk PublicKey) VerifyHash(h Hash256, s Signature) bool {
	key, err := secp256k1.ParsePubKey(pk[:])
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(s)
	if err != nil {
		return false
	}
	return sig.Verify(h[:], key)
}

// A PrivateKey is a secp256k1 private scalar.
type PrivateKey [32]byte

// PublicKey returns the compressed PublicKey corresponding to priv.
func (priv PrivateKey) PublicKey() PublicKey {
	pub := secp256k1.PrivKeyFromBytes(priv[:]).PubKey()
	var pk PublicKey
	copy(pk[:], pub.SerializeCompressed())
	return pk
}

// SignHash signs h with priv, producing a DER-encoded ECDSA Signature.
func (priv PrivateKey) SignHash(h Hash256) Signature {
	key := secp256k1.PrivKeyFromBytes(priv[:])
	sig := ecdsa.Sign(key, h[:])
	return Signature(sig.Serialize())
}

// GeneratePrivateKey creates a new private key from a secure entropy source.
func GeneratePrivateKey() PrivateKey {
	var priv PrivateKey
	for {
		frand.Read(priv[:])
		if pub := secp256k1.PrivKeyFromBytes(priv[:]).PubKey(); pub != nil {
			return priv
		}
	}
}

// A Signature is a DER-encoded ECDSA signature.
type Signature []byte

// Implementations of fmt.Stringer, encoding.Text(Un)marshaler.

func stringerHex(prefix string, data []byte) string {
	return prefix + ":" + hex.EncodeToString(data)
}

func marshalHex(prefix string, data []byte) ([]byte, error) {
	return []byte(stringerHex(prefix, data)), nil
}

func unmarshalHex(dst []byte, prefix string, data []byte) error {
	n, err := hex.Decode(dst, bytes.TrimPrefix(data, []byte(prefix+":")))
	if n < len(dst) {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return fmt.Errorf("decoding %v:<hex> failed: %w", prefix, err)
	}
	return nil
}

// String implements fmt.Stringer.
func (h Hash256) String() string { return stringerHex("h", h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash256) MarshalText() ([]byte, error) { return marshalHex("h", h[:]) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash256) UnmarshalText(b []byte) error { return unmarshalHex(h[:], "h", b) }

// String implements fmt.Stringer.
func (t TxID) String() string { return stringerHex("txid", t[:]) }

// MarshalText implements encoding.TextMarshaler.
func (t TxID) MarshalText() ([]byte, error) { return marshalHex("txid", t[:]) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TxID) UnmarshalText(b []byte) error { return unmarshalHex(t[:], "txid", b) }

// String implements fmt.Stringer.
func (a Address) String() string { return stringerHex("addr", a[:]) }

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return marshalHex("addr", a[:]) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error { return unmarshalHex(a[:], "addr", b) }

// ParseAddress parses an address from its prefixed hex string.
func ParseAddress(s string) (a Address, err error) {
	err = a.UnmarshalText([]byte(s))
	return
}

// String implements fmt.Stringer.
func (pk PublicKey) String() string { return stringerHex("secp256k1", pk[:]) }

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) { return marshalHex("secp256k1", pk[:]) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(b []byte) error { return unmarshalHex(pk[:], "secp256k1", b) }

// String implements fmt.Stringer.
func (s Signature) String() string { return stringerHex("sig", s) }

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) { return marshalHex("sig", s) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(b []byte) error {
	str := string(bytes.TrimPrefix(b, []byte("sig:")))
	dec, err := hex.DecodeString(str)
	if err != nil {
		return fmt.Errorf("decoding sig:<hex> failed: %w", err)
	}
	*s = dec
	return nil
}

// ParseUint64 is a convenience wrapper around strconv.ParseUint used by the
// config and CLI layers to decode spec-level integers without importing
// strconv directly.
func ParseUint64(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }
