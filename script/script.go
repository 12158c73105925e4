// Package script implements the contract-state-header parser:
// recognizing the dMint template tail, peeling the state prologue,
// and matching the burn- and message-sibling output templates. The
// detailed bytecode and opcode-level validation of the template tail
// itself are explicitly out of scope — this package treats
// everything past the separator as an opaque suffix-match token.
package script

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"go.dmint.dev/miner/types"
)

// ErrNotAContract is returned when a script's tail does not match the
// dMint template.
var ErrNotAContract = errors.New("script: not a dMint contract")

// ErrMalformed is returned for a script whose tail matches but whose
// prologue fails to decode.
var ErrMalformed = errors.New("script: malformed state prologue")

// Illustrative opcode bytes for the prologue's instruction stream. The
// spec treats the on-chain bytecode as opaque past the separator, so only
// internal self-consistency of this parser's template matters here.
const (
	OpPushInputRefSingleton byte = 0xd0
	OpPushInputRef          byte = 0xd1
	OpReturn                byte = 0x6a
	OpStateSeparator        byte = 0xd2
)

// TemplateTail is the fixed bytecode suffix that identifies a dMint
// contract. Its bytes are a deployment constant.
var TemplateTail = []byte{OpStateSeparator, 0x64, 0x4d, 0x69, 0x6e, 0x74} // separator + "dMint"

// MsgMarker tags a message sibling output; payloads are truncated to
// MaxMessageLen bytes.
var MsgMarker = []byte("msg")

// MaxMessageLen is the message output's maximum UTF-8 payload length.
const MaxMessageLen = 80

// HasTemplateTail reports whether scr ends with the dMint template tail.
func HasTemplateTail(scr []byte) bool {
	return bytes.HasSuffix(scr, TemplateTail)
}

// ParsedState is the decoded state prologue, before the caller folds it
// into a types.ContractState (which also needs the subscribed Location
// and any message sibling, neither of which lives in this script).
type ParsedState struct {
	Height      uint64
	ContractRef types.Ref
	TokenRef    types.Ref
	MaxHeight   uint64
	Reward      uint64
	Target      types.Target
	AlgoID      types.AlgoID
	LastTime    uint32
	TargetTime  uint32
	IsV2        bool
}

// ToContractState folds a ParsedState and the caller-supplied Location and
// message sibling (neither of which lives in the locking script itself)
// into a types.ContractState.
func (ps ParsedState) ToContractState(location types.Location, message string) types.ContractState {
	return types.ContractState{
		Height:      ps.Height,
		ContractRef: ps.ContractRef,
		TokenRef:    ps.TokenRef,
		MaxHeight:   ps.MaxHeight,
		Reward:      ps.Reward,
		Target:      ps.Target,
		AlgoID:      ps.AlgoID,
		LastTime:    ps.LastTime,
		TargetTime:  ps.TargetTime,
		Location:    location,
		Message:     message,
	}
}

// ParseState peels scr's state prologue and validates it against
// expectedContractRef.
func ParseState(scr []byte, expectedContractRef types.Ref) (ParsedState, error) {
	if !HasTemplateTail(scr) {
		return ParsedState{}, ErrNotAContract
	}
	prologue := scr[:len(scr)-len(TemplateTail)]
	c := &cursor{b: prologue}

	height := decodeUint32Push(c, "height")

	c.expectOpcode(OpPushInputRefSingleton)
	contractRef := decodeRefPush(c)

	c.expectOpcode(OpPushInputRef)
	tokenRef := decodeRefPush(c)

	maxHeight := c.readMinimalUint()
	reward := c.readMinimalUint()
	targetBytes := c.readMinimalPush()

	var algoID types.AlgoID
	var lastTime, targetTime uint32
	isV2 := c.err == nil && len(c.remaining()) > 0
	if isV2 {
		algoID = types.AlgoID(c.readByte())
		lastTime = decodeUint32Push(c, "last_time")
		targetTime = decodeUint32Push(c, "target_time")
	}

	if c.err != nil {
		return ParsedState{}, c.err
	}
	if len(c.remaining()) != 0 {
		return ParsedState{}, fmt.Errorf("%w: trailing bytes in prologue", ErrMalformed)
	}
	if contractRef != expectedContractRef {
		return ParsedState{}, fmt.Errorf("%w: contract_ref does not match subscription", ErrMalformed)
	}

	target, err := decodeTarget(algoID, isV2, targetBytes)
	if err != nil {
		return ParsedState{}, err
	}

	return ParsedState{
		Height:      uint64(height),
		ContractRef: contractRef,
		TokenRef:    tokenRef,
		MaxHeight:   maxHeight,
		Reward:      reward,
		Target:      target,
		AlgoID:      algoID,
		LastTime:    lastTime,
		TargetTime:  targetTime,
		IsV2:        isV2,
	}, nil
}

// decodeTarget interprets a minimally-encoded little-endian target push
// under the format the contract's algorithm declares: LegacyV1 (64-bit) for
// the v1/SHA-256d template, Full256 (256-bit) for a v2 template. A v1
// template always uses SHA-256d regardless of the zero
// AlgoID value, so format selection keys off isV2, not algoID, matching
// the registry's two-format split.
func decodeTarget(algoID types.AlgoID, isV2 bool, b []byte) (types.Target, error) {
	if !isV2 {
		if len(b) > 8 {
			return types.Target{}, fmt.Errorf("%w: legacy target push too wide (%d bytes)", ErrMalformed, len(b))
		}
		var v uint64
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return types.NewLegacyTarget(v), nil
	}
	if len(b) > 32 {
		return types.Target{}, fmt.Errorf("%w: full256 target push too wide (%d bytes)", ErrMalformed, len(b))
	}
	var le [32]byte
	copy(le[:], b) // little-endian on the wire
	var be [32]byte
	for i := range le {
		be[31-i] = le[i]
	}
	full := new(uint256.Int).SetBytes(be[:])
	return types.NewFull256Target(*full), nil
}

// BurnSiblingRef recognizes a burn output script:
// OP_PUSHINPUTREFSINGLETON push(ref) OP_RETURN. A transaction with only a
// burn sibling and no state output represents a terminal mint; the
// coordinator (4.G), not this package, reports height=max_height and
// suspends mining on that condition.
func BurnSiblingRef(scr []byte) (types.Ref, bool) {
	c := &cursor{b: scr}
	c.expectOpcode(OpPushInputRefSingleton)
	ref := decodeRefPush(c)
	c.expectOpcode(OpReturn)
	if c.err != nil || len(c.remaining()) != 0 {
		return types.Ref{}, false
	}
	return ref, true
}

// MessageSibling recognizes OP_RETURN push("msg") push(utf8), truncating
// the payload to MaxMessageLen bytes.
func MessageSibling(scr []byte) (string, bool) {
	c := &cursor{b: scr}
	c.expectOpcode(OpReturn)
	marker := c.readDirectPush()
	if c.err != nil || !bytes.Equal(marker, MsgMarker) {
		return "", false
	}
	payload := c.readDirectPush()
	if c.err != nil || len(c.remaining()) != 0 {
		return "", false
	}
	if len(payload) > MaxMessageLen {
		payload = payload[:MaxMessageLen]
	}
	return string(payload), true
}

func decodeUint32Push(c *cursor, field string) uint32 {
	b := c.readDirectPush()
	if c.err != nil {
		return 0
	}
	if len(b) != 4 {
		c.fail(fmt.Errorf("%w: %s push must be 4 bytes, got %d", ErrMalformed, field, len(b)))
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func decodeRefPush(c *cursor) types.Ref {
	b := c.readDirectPush()
	if c.err != nil {
		return types.Ref{}
	}
	if len(b) != 36 {
		c.fail(fmt.Errorf("%w: ref push must be 36 bytes, got %d", ErrMalformed, len(b)))
		return types.Ref{}
	}
	var r types.Ref
	copy(r.TxID[:], b[:32])
	r.Vout = binary.LittleEndian.Uint32(b[32:36])
	return r
}

// EncodeState produces the state prologue + template tail for cs, the
// inverse of ParseState. The claim coordinator uses it to reconstruct the
// next-state contract output script after a mint.
// Round-trip: ParseState(EncodeState(ps), ps.ContractRef) == ps (testable
// property 4).
func EncodeState(cs types.ContractState) []byte {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(cs.Height))
	buf.Write(directPush(tmp[:]))

	buf.WriteByte(OpPushInputRefSingleton)
	buf.Write(directPush(refPushBytes(cs.ContractRef)))
	buf.WriteByte(OpPushInputRef)
	buf.Write(directPush(refPushBytes(cs.TokenRef)))

	buf.Write(directPush(minimalLE(cs.MaxHeight)))
	buf.Write(directPush(minimalLE(cs.Reward)))
	buf.Write(directPush(encodeTargetPush(cs.Target)))

	if cs.IsV2() {
		buf.WriteByte(byte(cs.AlgoID))
		binary.LittleEndian.PutUint32(tmp[:], cs.LastTime)
		buf.Write(directPush(tmp[:]))
		binary.LittleEndian.PutUint32(tmp[:], cs.TargetTime)
		buf.Write(directPush(tmp[:]))
	}

	buf.Write(TemplateTail)
	return buf.Bytes()
}

// EncodeBurn produces the burn-sibling output script for ref, the inverse
// of BurnSiblingRef.
func EncodeBurn(ref types.Ref) []byte {
	var buf bytes.Buffer
	buf.WriteByte(OpPushInputRefSingleton)
	buf.Write(directPush(refPushBytes(ref)))
	buf.WriteByte(OpReturn)
	return buf.Bytes()
}

// EncodeMessage produces the message-sibling output script for msg,
// truncating to MaxMessageLen bytes, the inverse of MessageSibling.
func EncodeMessage(msg string) []byte {
	payload := []byte(msg)
	if len(payload) > MaxMessageLen {
		payload = payload[:MaxMessageLen]
	}
	var buf bytes.Buffer
	buf.WriteByte(OpReturn)
	buf.Write(directPush(MsgMarker))
	buf.Write(directPush(payload))
	return buf.Bytes()
}

func directPush(b []byte) []byte {
	if len(b) == 0 {
		b = []byte{0}
	}
	out := make([]byte, 0, 1+len(b))
	out = append(out, byte(len(b)))
	return append(out, b...)
}

func refPushBytes(r types.Ref) []byte {
	b := make([]byte, 36)
	copy(b[:32], r.TxID[:])
	binary.LittleEndian.PutUint32(b[32:36], r.Vout)
	return b
}

// minimalLE returns v's minimal little-endian encoding (no superfluous
// trailing zero byte), matching readMinimalUint's acceptance rule.
func minimalLE(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var b []byte
	for v > 0 {
		b = append(b, byte(v))
		v >>= 8
	}
	return b
}

// encodeTargetPush returns t's minimal little-endian push bytes: 8 bytes
// wide at most under LegacyV1, 32 bytes wide at most under Full256.
func encodeTargetPush(t types.Target) []byte {
	if t.Format == types.Full256 {
		full := t.Full()
		be := full.Bytes32()
		var le [32]byte
		for i := range be {
			le[31-i] = be[i]
		}
		// trim superfluous trailing (most-significant) zero bytes
		n := 32
		for n > 1 && le[n-1] == 0 {
			n--
		}
		return le[:n]
	}
	return minimalLE(t.Legacy())
}
