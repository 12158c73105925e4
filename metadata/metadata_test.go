package metadata_test

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"go.dmint.dev/miner/daa"
	"go.dmint.dev/miner/metadata"
	"go.dmint.dev/miner/types"
)

func TestDecodeFallsBackWithoutDmint(t *testing.T) {
	raw, err := cbor.Marshal(map[string]interface{}{"p": []int{1, 4}})
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}
	info, err := metadata.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !info.Mineable {
		t.Fatal("expected token with protocols [1,4] to be mineable")
	}
	if info.Algo != types.AlgoSHA256d {
		t.Fatalf("expected fallback algo sha256d, got %v", info.Algo)
	}
	if info.DaaConfig.Mode != daa.Fixed {
		t.Fatalf("expected fallback DAA mode fixed, got %v", info.DaaConfig.Mode)
	}
}

func TestDecodeNotMineableWithoutMintProtocol(t *testing.T) {
	raw, err := cbor.Marshal(map[string]interface{}{"p": []int{1}})
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}
	info, err := metadata.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.Mineable {
		t.Fatal("expected token missing protocol 4 to be non-mineable")
	}
}

func TestDecodeReadsDmintFields(t *testing.T) {
	raw, err := cbor.Marshal(map[string]interface{}{
		"p": []int{1, 4},
		"dmint": map[string]interface{}{
			"algo":      1,
			"maxHeight": 1000,
			"reward":    500,
			"diff":      16,
			"daa": map[string]interface{}{
				"mode": 1,
				"params": map[string]interface{}{
					"epochLength":     144,
					"targetBlockTime": 600,
					"maxAdjustment":   4,
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}
	info, err := metadata.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.Algo != types.AlgoBLAKE3 {
		t.Fatalf("expected algo blake3, got %v", info.Algo)
	}
	if info.MaxHeight != 1000 || info.Reward != 500 || info.Difficulty != 16 {
		t.Fatalf("unexpected fields: %+v", info)
	}
	if info.DaaConfig.Mode != daa.Epoch {
		t.Fatalf("expected epoch DAA mode, got %v", info.DaaConfig.Mode)
	}
	if info.DaaConfig.EpochLength != 144 || info.DaaConfig.TargetBlockTime != 600 || info.DaaConfig.MaxAdjustment != 4 {
		t.Fatalf("unexpected DAA params: %+v", info.DaaConfig)
	}
	if err := info.DaaConfig.Validate(); err != nil {
		t.Fatalf("expected decoded DAA config to validate, got %v", err)
	}
}
