// Package algo is the algorithm registry: a closed mapping
// from algo_id to the device buffer shapes and target format a work item of
// that algorithm requires. The registry is the sole place that knows how
// many algorithms exist; every other component looks values up here rather
// than re-encoding the {Sha256d, Blake3, K12, Argon2Light} discriminator.
package algo

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"go.dmint.dev/miner/types"
)

// ErrUnsupportedAlgorithm is returned for an AlgoID with no usable registry
// entry (AlgoArgon2idLight, AlgoReserved, or anything out of range).
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// An Entry describes the fixed, per-algorithm shape the rest of the core
// depends on: how big the device's midstate and target buffers are, and
// which comparison predicate the verifier applies.
type Entry struct {
	ID             types.AlgoID
	Name           string
	TargetFormat   types.TargetFormat
	MidstateBytes  int // size of the per-algorithm midstate buffer
	WorkgroupSize  int // default device thread count per workgroup (SD)
	ResultArity    int // words per result slot: (nonce_lo, hash_w0, hash_w1, flag)
	Supported      bool
}

var registry = [types.AlgoReserved + 1]Entry{
	types.AlgoSHA256d: {
		ID: types.AlgoSHA256d, Name: "sha256d",
		TargetFormat: types.LegacyV1, MidstateBytes: 32, WorkgroupSize: 256, ResultArity: 4,
		Supported: true,
	},
	types.AlgoBLAKE3: {
		ID: types.AlgoBLAKE3, Name: "blake3",
		TargetFormat: types.Full256, MidstateBytes: 64, WorkgroupSize: 256, ResultArity: 4,
		Supported: true,
	},
	types.AlgoK12: {
		ID: types.AlgoK12, Name: "k12",
		TargetFormat: types.Full256, MidstateBytes: 64, WorkgroupSize: 256, ResultArity: 4,
		Supported: true,
	},
	types.AlgoArgon2idLight: {
		ID: types.AlgoArgon2idLight, Name: "argon2id-light",
		TargetFormat: types.Full256, MidstateBytes: 64, WorkgroupSize: 256, ResultArity: 4,
		Supported: false, // registered, refused: see DESIGN.md Open Questions
	},
	types.AlgoReserved: {
		ID: types.AlgoReserved, Name: "reserved",
		Supported: false,
	},
}

// Lookup returns the registry entry for id. It returns ErrUnsupportedAlgorithm
// for an id outside the registry's range or whose entry is marked
// unsupported (currently only Argon2id-Light and the reserved slot).
func Lookup(id types.AlgoID) (Entry, error) {
	if int(id) >= len(registry) {
		return Entry{}, fmt.Errorf("%w: algo_id %#02x", ErrUnsupportedAlgorithm, uint8(id))
	}
	e := registry[id]
	if !e.Supported {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, e.Name)
	}
	return e, nil
}

// MustLookup panics if id has no supported entry. It exists for
// initialization code that has already validated the id (e.g. a default
// baked into the CLI) and wants to avoid a redundant error return.
func MustLookup(id types.AlgoID) Entry {
	e, err := Lookup(id)
	if err != nil {
		panic(err)
	}
	return e
}

// TargetFromDifficulty converts a difficulty value to the target format
// declared by id's registry entry: target = MAX_TARGET / d.
func TargetFromDifficulty(id types.AlgoID, difficulty uint64) (types.Target, error) {
	e, err := Lookup(id)
	if err != nil {
		return types.Target{}, err
	}
	if difficulty == 0 {
		difficulty = 1
	}
	if e.TargetFormat == types.LegacyV1 {
		return types.NewLegacyTarget(types.MaxLegacyTarget / difficulty), nil
	}
	full := new(uint256.Int).Div(types.MaxFull256Target, uint256.NewInt(difficulty))
	return types.NewFull256Target(*full), nil
}
