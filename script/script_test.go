package script_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/holiman/uint256"
	"go.dmint.dev/miner/script"
	"go.dmint.dev/miner/types"
)

func directPush(b []byte) []byte {
	if len(b) == 0 || len(b) > 75 {
		panic("directPush: bad length")
	}
	return append([]byte{byte(len(b))}, b...)
}

func minimalPush(v uint64) []byte {
	var b []byte
	for v > 0 {
		b = append(b, byte(v))
		v >>= 8
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	return directPush(b)
}

func uint32Push(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return directPush(b[:])
}

func refBytes(r types.Ref) []byte {
	var b [36]byte
	copy(b[:32], r.TxID[:])
	binary.LittleEndian.PutUint32(b[32:36], r.Vout)
	return b[:]
}

func testRef(seed byte) types.Ref {
	var r types.Ref
	for i := range r.TxID {
		r.TxID[i] = seed
	}
	r.Vout = uint32(seed)
	return r
}

func buildV1Script(height uint32, contractRef, tokenRef types.Ref, maxHeight, reward, target uint64) []byte {
	var buf bytes.Buffer
	buf.Write(uint32Push(height))
	buf.WriteByte(script.OpPushInputRefSingleton)
	buf.Write(directPush(refBytes(contractRef)))
	buf.WriteByte(script.OpPushInputRef)
	buf.Write(directPush(refBytes(tokenRef)))
	buf.Write(minimalPush(maxHeight))
	buf.Write(minimalPush(reward))
	buf.Write(minimalPush(target))
	buf.Write(script.TemplateTail)
	return buf.Bytes()
}

func buildV2Script(height uint32, contractRef, tokenRef types.Ref, maxHeight, reward, target uint64, algoID types.AlgoID, lastTime, targetTime uint32) []byte {
	var buf bytes.Buffer
	buf.Write(uint32Push(height))
	buf.WriteByte(script.OpPushInputRefSingleton)
	buf.Write(directPush(refBytes(contractRef)))
	buf.WriteByte(script.OpPushInputRef)
	buf.Write(directPush(refBytes(tokenRef)))
	buf.Write(minimalPush(maxHeight))
	buf.Write(minimalPush(reward))
	buf.Write(minimalPush(target))
	buf.WriteByte(byte(algoID))
	buf.Write(uint32Push(lastTime))
	buf.Write(uint32Push(targetTime))
	buf.Write(script.TemplateTail)
	return buf.Bytes()
}

func TestParseStateV1(t *testing.T) {
	contractRef := testRef(1)
	tokenRef := testRef(2)
	scr := buildV1Script(100, contractRef, tokenRef, 1_000_000, 5000, 12345)

	parsed, err := script.ParseState(scr, contractRef)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Height != 100 || parsed.MaxHeight != 1_000_000 || parsed.Reward != 5000 || parsed.Target.Legacy() != 12345 {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
	if parsed.TokenRef != tokenRef {
		t.Fatalf("token ref mismatch: %+v", parsed.TokenRef)
	}
	if parsed.IsV2 {
		t.Fatal("expected a V1 script to parse as non-V2")
	}
}

func TestParseStateV2(t *testing.T) {
	contractRef := testRef(3)
	tokenRef := testRef(4)
	scr := buildV2Script(7, contractRef, tokenRef, 2000, 10, 99, types.AlgoBLAKE3, 1000, 60)

	parsed, err := script.ParseState(scr, contractRef)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.IsV2 {
		t.Fatal("expected a V2 script to parse as V2")
	}
	if parsed.AlgoID != types.AlgoBLAKE3 || parsed.LastTime != 1000 || parsed.TargetTime != 60 {
		t.Fatalf("unexpected v2 fields: %+v", parsed)
	}
}

func TestParseStateRejectsMissingTail(t *testing.T) {
	scr := []byte{0x01, 0x02, 0x03}
	if _, err := script.ParseState(scr, types.Ref{}); err != script.ErrNotAContract {
		t.Fatalf("got %v, want ErrNotAContract", err)
	}
}

func TestParseStateRejectsRefMismatch(t *testing.T) {
	contractRef := testRef(1)
	tokenRef := testRef(2)
	scr := buildV1Script(100, contractRef, tokenRef, 1000, 10, 10)

	wrongRef := testRef(9)
	if _, err := script.ParseState(scr, wrongRef); err == nil {
		t.Fatal("expected a contract_ref mismatch error")
	}
}

func TestParseStateRejectsNonMinimalPush(t *testing.T) {
	contractRef := testRef(1)
	tokenRef := testRef(2)
	var buf bytes.Buffer
	buf.Write(uint32Push(1))
	buf.WriteByte(script.OpPushInputRefSingleton)
	buf.Write(directPush(refBytes(contractRef)))
	buf.WriteByte(script.OpPushInputRef)
	buf.Write(directPush(refBytes(tokenRef)))
	buf.Write(directPush([]byte{0x01, 0x00})) // non-minimal: trailing zero byte
	buf.Write(minimalPush(1))
	buf.Write(minimalPush(1))
	buf.Write(script.TemplateTail)

	if _, err := script.ParseState(buf.Bytes(), contractRef); err == nil {
		t.Fatal("expected a non-minimal push to be rejected")
	}
}

func TestBurnSiblingRef(t *testing.T) {
	ref := testRef(5)
	var buf bytes.Buffer
	buf.WriteByte(script.OpPushInputRefSingleton)
	buf.Write(directPush(refBytes(ref)))
	buf.WriteByte(script.OpReturn)

	got, ok := script.BurnSiblingRef(buf.Bytes())
	if !ok {
		t.Fatal("expected burn sibling to be recognized")
	}
	if got != ref {
		t.Fatalf("got %+v, want %+v", got, ref)
	}
}

func TestBurnSiblingRefRejectsOther(t *testing.T) {
	if _, ok := script.BurnSiblingRef([]byte{0x00, 0x01, 0x02}); ok {
		t.Fatal("expected non-burn script to be rejected")
	}
}

func TestMessageSibling(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(script.OpReturn)
	buf.Write(directPush(script.MsgMarker))
	buf.Write(directPush([]byte("hello miner")))

	msg, ok := script.MessageSibling(buf.Bytes())
	if !ok {
		t.Fatal("expected message sibling to be recognized")
	}
	if msg != "hello miner" {
		t.Fatalf("got %q", msg)
	}
}

func TestMessageSiblingTruncates(t *testing.T) {
	long := bytes.Repeat([]byte("a"), 75)
	var buf bytes.Buffer
	buf.WriteByte(script.OpReturn)
	buf.Write(directPush(script.MsgMarker))
	buf.Write(directPush(long))

	msg, ok := script.MessageSibling(buf.Bytes())
	if !ok {
		t.Fatal("expected message sibling to be recognized")
	}
	if len(msg) > script.MaxMessageLen {
		t.Fatalf("message not truncated: got length %d", len(msg))
	}
}

func TestEncodeStateRoundTripV1(t *testing.T) {
	cs := types.ContractState{
		Height:      41,
		ContractRef: testRef(1),
		TokenRef:    testRef(2),
		MaxHeight:   1000,
		Reward:      5000,
		Target:      types.NewLegacyTarget(0x0000_0FFF_FFFF_FFFF),
		AlgoID:      types.AlgoSHA256d,
	}
	scr := script.EncodeState(cs)
	parsed, err := script.ParseState(scr, cs.ContractRef)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Height != cs.Height || parsed.MaxHeight != cs.MaxHeight || parsed.Reward != cs.Reward {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
	if parsed.Target.Legacy() != cs.Target.Legacy() {
		t.Fatalf("target round trip mismatch: got %v want %v", parsed.Target, cs.Target)
	}
	if parsed.IsV2 {
		t.Fatal("v1 state round-tripped as v2")
	}
}

func TestEncodeStateRoundTripV2(t *testing.T) {
	full := uint256.MustFromHex("0xffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	cs := types.ContractState{
		Height:      7,
		ContractRef: testRef(3),
		TokenRef:    testRef(4),
		MaxHeight:   2000,
		Reward:      10,
		Target:      types.NewFull256Target(*full),
		AlgoID:      types.AlgoBLAKE3,
		LastTime:    1000,
		TargetTime:  60,
	}
	scr := script.EncodeState(cs)
	parsed, err := script.ParseState(scr, cs.ContractRef)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.IsV2 || parsed.AlgoID != types.AlgoBLAKE3 {
		t.Fatalf("expected v2 blake3 state, got %+v", parsed)
	}
	if parsed.LastTime != cs.LastTime || parsed.TargetTime != cs.TargetTime {
		t.Fatalf("v2 fields mismatch: %+v", parsed)
	}
	gotFull := parsed.Target.Full()
	if gotFull.Cmp(full) != 0 {
		t.Fatalf("target round trip mismatch: got %v want %v", gotFull.Hex(), full.Hex())
	}
}

func TestEncodeBurnRoundTrip(t *testing.T) {
	ref := testRef(9)
	scr := script.EncodeBurn(ref)
	got, ok := script.BurnSiblingRef(scr)
	if !ok || got != ref {
		t.Fatalf("burn round trip failed: got %+v ok=%v", got, ok)
	}
}

func TestEncodeMessageRoundTrip(t *testing.T) {
	scr := script.EncodeMessage("hello miner")
	msg, ok := script.MessageSibling(scr)
	if !ok || msg != "hello miner" {
		t.Fatalf("message round trip failed: got %q ok=%v", msg, ok)
	}
}
