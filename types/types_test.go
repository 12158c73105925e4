package types

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestContractStateValidate(t *testing.T) {
	base := ContractState{
		Height:    5,
		MaxHeight: 10,
		Reward:    1,
		Target:    NewLegacyTarget(1),
		AlgoID:    AlgoSHA256d,
	}
	tests := []struct {
		name    string
		mutate  func(cs *ContractState)
		wantErr bool
	}{
		{"valid", func(*ContractState) {}, false},
		{"height exceeds max", func(cs *ContractState) { cs.Height = 11 }, true},
		{"zero target", func(cs *ContractState) { cs.Target = NewLegacyTarget(0) }, true},
		{"zero reward", func(cs *ContractState) { cs.Reward = 0 }, true},
		{"unknown algo", func(cs *ContractState) { cs.AlgoID = 0x05 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := base
			tt.mutate(&cs)
			err := cs.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContractStateBurned(t *testing.T) {
	cs := ContractState{Height: 10, MaxHeight: 10}
	if !cs.Burned() {
		t.Fatal("expected burned")
	}
	cs.Height = 9
	if cs.Burned() {
		t.Fatal("expected not burned")
	}
}

func TestNonceCandidateOrdering(t *testing.T) {
	a := NonceCandidate{Hi: 0, Lo: 5}
	b := NonceCandidate{Hi: 0, Lo: 6}
	c := NonceCandidate{Hi: 1, Lo: 0}
	if !a.Less(b) || !b.Less(c) || c.Less(a) {
		t.Fatal("ordering violated")
	}
	if a.Uint64() != 5 || c.Uint64() != 1<<32 {
		t.Fatalf("unexpected Uint64: %d %d", a.Uint64(), c.Uint64())
	}
}

func TestNonceCandidateBytes(t *testing.T) {
	n := NonceCandidate{Hi: 0x01020304, Lo: 0x05060708}
	b := n.Bytes()
	want := [8]byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if b != want {
		t.Fatalf("got %x, want %x", b, want)
	}
}

func TestTargetFormats(t *testing.T) {
	lv := NewLegacyTarget(42)
	if lv.Format != LegacyV1 || lv.Legacy() != 42 {
		t.Fatal("legacy target mismatch")
	}
	fv := NewFull256Target(*uint256.NewInt(42))
	full := fv.Full()
	if fv.Format != Full256 || full.Uint64() != 42 {
		t.Fatal("full256 target mismatch")
	}
	if NewLegacyTarget(0).IsZero() != true || lv.IsZero() != false {
		t.Fatal("IsZero mismatch")
	}
}

func TestWalletSnapshotBalance(t *testing.T) {
	ws := WalletSnapshot{UTXOs: []UTXO{{Value: 10}, {Value: 20}, {Value: 5}}}
	if ws.Balance() != 35 {
		t.Fatalf("got %d, want 35", ws.Balance())
	}
}

func TestKeyRoundTrip(t *testing.T) {
	priv := GeneratePrivateKey()
	pub := priv.PublicKey()
	h := HashBytes([]byte("message"))
	sig := priv.SignHash(h)
	if !pub.VerifyHash(h, sig) {
		t.Fatal("signature did not verify")
	}
	other := HashBytes([]byte("different message"))
	if pub.VerifyHash(other, sig) {
		t.Fatal("signature verified against wrong hash")
	}
}

func TestAddressFromPublicKey(t *testing.T) {
	priv := GeneratePrivateKey()
	pub := priv.PublicKey()
	a, err := pub.Address()
	if err != nil {
		t.Fatal(err)
	}
	a2, err := pub.Address()
	if err != nil {
		t.Fatal(err)
	}
	if a != a2 {
		t.Fatal("address derivation is not deterministic")
	}
	if a == VoidAddress {
		t.Fatal("derived address collided with VoidAddress")
	}
}

func BenchmarkSignHash(b *testing.B) {
	priv := GeneratePrivateKey()
	h := HashBytes([]byte("message"))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		priv.SignHash(h)
	}
}
