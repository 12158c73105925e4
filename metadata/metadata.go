// Package metadata decodes CBOR token metadata: the root map
// a token's extended info carries, read for display and for the algorithm
// and DAA configuration the engine and CLI fall back to in the absence of
// an explicit operator override.
package metadata

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"go.dmint.dev/miner/daa"
	"go.dmint.dev/miner/types"
)

// protoMint and protoFungible are the two protocol IDs a token must declare
// to be mineable (must contain 1 and 4).
const (
	protoFungible = 1
	protoMint     = 4
)

// DaaParams is the nested daa.params map's fields; only the ones relevant
// to Mode are populated by the issuer, mirroring daa.Config's "only the
// fields relevant to Mode are read" convention.
type DaaParams struct {
	EpochLength     uint64 `cbor:"epochLength,omitempty"`
	TargetBlockTime uint32 `cbor:"targetBlockTime,omitempty"`
	MaxAdjustment   uint64 `cbor:"maxAdjustment,omitempty"`
	HalfLife        uint32 `cbor:"halfLife,omitempty"`
	Asymptote       uint64 `cbor:"asymptote,omitempty"`
	WindowSize      int    `cbor:"windowSize,omitempty"`
	Breakpoints     []struct {
		Height     uint64 `cbor:"height"`
		Difficulty uint64 `cbor:"difficulty"`
	} `cbor:"breakpoints,omitempty"`
}

// daaMeta is the nested "daa" map: {mode, params}.
type daaMeta struct {
	Mode   uint8     `cbor:"mode"`
	Params DaaParams `cbor:"params,omitempty"`
}

// dmintMeta is the nested "dmint" map carrying engine configuration.
type dmintMeta struct {
	Algo      uint8   `cbor:"algo,omitempty"`
	MaxHeight uint64  `cbor:"maxHeight,omitempty"`
	Reward    uint64  `cbor:"reward,omitempty"`
	Premine   uint64  `cbor:"premine,omitempty"`
	Diff      uint64  `cbor:"diff,omitempty"`
	Daa       daaMeta `cbor:"daa,omitempty"`
}

// rootMeta is the CBOR root map.
type rootMeta struct {
	Protocols []int      `cbor:"p"`
	Version   int        `cbor:"v,omitempty"`
	Dmint     *dmintMeta `cbor:"dmint,omitempty"`
}

// Info is the decoded, defaulted view of a token's metadata that the rest
// of the core consumes.
type Info struct {
	Mineable   bool
	Algo       types.AlgoID
	MaxHeight  uint64
	Reward     uint64
	Premine    uint64
	Difficulty uint64
	DaaConfig  daa.Config
}

// Decode parses raw CBOR token metadata and returns the defaulted Info. A
// payload with no "dmint" map, or one decoding to no fields at all, falls
// back to algo=0x00 (SHA-256d) with Fixed DAA
func Decode(raw []byte) (Info, error) {
	var root rootMeta
	if err := cbor.Unmarshal(raw, &root); err != nil {
		return Info{}, fmt.Errorf("metadata: decoding cbor: %w", err)
	}

	info := Info{
		Algo:       types.AlgoSHA256d,
		Difficulty: 1,
		DaaConfig:  daa.Config{Mode: daa.Fixed},
	}
	info.Mineable = hasProtocol(root.Protocols, protoFungible) && hasProtocol(root.Protocols, protoMint)

	if root.Dmint == nil {
		return info, nil
	}
	d := root.Dmint
	info.Algo = types.AlgoID(d.Algo)
	info.MaxHeight = d.MaxHeight
	info.Reward = d.Reward
	info.Premine = d.Premine
	if d.Diff > 0 {
		info.Difficulty = d.Diff
	}
	info.DaaConfig = daaConfigFrom(d.Daa)
	return info, nil
}

func hasProtocol(protocols []int, want int) bool {
	for _, p := range protocols {
		if p == want {
			return true
		}
	}
	return false
}

func daaConfigFrom(m daaMeta) daa.Config {
	cfg := daa.Config{Mode: daa.Mode(m.Mode)}
	p := m.Params
	cfg.EpochLength = p.EpochLength
	cfg.TargetBlockTime = p.TargetBlockTime
	cfg.MaxAdjustment = p.MaxAdjustment
	cfg.HalfLife = p.HalfLife
	cfg.Asymptote = p.Asymptote
	cfg.WindowSize = p.WindowSize
	if len(p.Breakpoints) > 0 {
		cfg.Breakpoints = make([]daa.Breakpoint, len(p.Breakpoints))
		for i, bp := range p.Breakpoints {
			cfg.Breakpoints[i] = daa.Breakpoint{Height: bp.Height, Difficulty: bp.Difficulty}
		}
	}
	return cfg
}
