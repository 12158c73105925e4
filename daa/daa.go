// Package daa implements the five difficulty-adjustment algorithms
// as pure functions over types.DaaState. Every mode uses
// only fixed-point integer arithmetic — no floating point sits on a path
// whose result must be reproducible by an on-chain verifier — following
// the clamped big.Int adjustment in the reference consensus update logic.
package daa

import (
	"errors"
	"fmt"
	"math/big"

	"go.dmint.dev/miner/types"
)

// Mode is the DAA discriminator carried in contract metadata.
type Mode uint8

const (
	Fixed        Mode = 0x00
	Epoch        Mode = 0x01
	ASERT        Mode = 0x02
	LWMA         Mode = 0x03
	ScheduleMode Mode = 0x04
)

func (m Mode) String() string {
	switch m {
	case Fixed:
		return "fixed"
	case Epoch:
		return "epoch"
	case ASERT:
		return "asert-lite"
	case LWMA:
		return "lwma"
	case ScheduleMode:
		return "schedule"
	default:
		return "unknown"
	}
}

// fixedPointScale is P = 10^6, the precision used by Epoch and LWMA.
const fixedPointScale = 1_000_000

// asertBase is R = 2^16, ASERT-lite's fixed-point base.
const asertBase = 1 << 16

// ln2Scaled is round(ln(2) * R).
const ln2Scaled = 45426

// maxHistory bounds LWMA's retained block-time/difficulty history to the
// last 1000 block times and difficulties.
const maxHistory = 1000

var (
	ErrEmptySchedule         = errors.New("daa: schedule has no breakpoints")
	ErrScheduleNotIncreasing = errors.New("daa: schedule heights must strictly increase")
	ErrScheduleNonPositive   = errors.New("daa: schedule difficulties must be positive")
	ErrUnknownMode           = errors.New("daa: unknown mode")
)

// Breakpoint is one (height, difficulty) step of a Schedule DAA.
type Breakpoint struct {
	Height     uint64
	Difficulty uint64
}

// Config bundles every mode's parameters; only the fields relevant to
// Mode are read.
type Config struct {
	Mode Mode

	// Epoch
	EpochLength     uint64
	TargetBlockTime uint32
	MaxAdjustment   uint64 // M, typically 4

	// ASERT-lite
	HalfLife  uint32 // H, in the same units as TargetBlockTime
	Asymptote uint64 // A; 0 disables the asymptote clamp

	// LWMA
	WindowSize int // N

	// Schedule
	Breakpoints []Breakpoint
}

// Validate checks the parameters relevant to c.Mode.
func (c Config) Validate() error {
	switch c.Mode {
	case Fixed:
		return nil
	case Epoch:
		if c.EpochLength == 0 || c.TargetBlockTime == 0 || c.MaxAdjustment == 0 {
			return fmt.Errorf("daa: epoch mode requires positive epoch_length, target_block_time, max_adjustment")
		}
	case ASERT:
		if c.TargetBlockTime == 0 || c.HalfLife == 0 {
			return fmt.Errorf("daa: asert-lite mode requires positive target_block_time, half_life")
		}
	case LWMA:
		if c.TargetBlockTime == 0 || c.WindowSize <= 0 {
			return fmt.Errorf("daa: lwma mode requires positive target_block_time, window_size")
		}
	case ScheduleMode:
		return validateSchedule(c.Breakpoints)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMode, c.Mode)
	}
	return nil
}

func validateSchedule(bps []Breakpoint) error {
	if len(bps) == 0 {
		return ErrEmptySchedule
	}
	for i, bp := range bps {
		if bp.Difficulty == 0 {
			return ErrScheduleNonPositive
		}
		if i > 0 && bp.Height <= bps[i-1].Height {
			return ErrScheduleNotIncreasing
		}
	}
	return nil
}

// NewAnchoredState returns the initial DaaState for a contract, anchoring
// Epoch's epoch-start and ASERT-lite's anchor at (height, time).
// Fixed, LWMA, and Schedule ignore the anchor fields.
func NewAnchoredState(difficulty uint64, height uint64, timestamp uint32) types.DaaState {
	if difficulty < 1 {
		difficulty = 1
	}
	return types.DaaState{
		Difficulty:       difficulty,
		LastHeight:       height,
		LastTime:         timestamp,
		AnchorHeight:     height,
		AnchorTime:       timestamp,
		EpochStartHeight: height,
		EpochStartTime:   timestamp,
	}
}

// Next computes the next DaaState for a block observed at (newHeight,
// newTime), dispatching on c.Mode. The returned state's Difficulty
// satisfies difficulty >= 1 in every mode.
func Next(c Config, state types.DaaState, newHeight uint64, newTime uint32) (types.DaaState, error) {
	if err := c.Validate(); err != nil {
		return state, err
	}
	switch c.Mode {
	case Fixed:
		return nextFixed(state, newHeight, newTime), nil
	case Epoch:
		return nextEpoch(c, state, newHeight, newTime), nil
	case ASERT:
		return nextASERT(c, state, newHeight, newTime), nil
	case LWMA:
		return nextLWMA(c, state, newHeight, newTime), nil
	case ScheduleMode:
		return nextSchedule(c, state, newHeight, newTime), nil
	default:
		return state, fmt.Errorf("%w: %d", ErrUnknownMode, c.Mode)
	}
}

func nextFixed(state types.DaaState, newHeight uint64, newTime uint32) types.DaaState {
	state.LastHeight = newHeight
	state.LastTime = newTime
	if state.Difficulty < 1 {
		state.Difficulty = 1
	}
	return state
}

func nextEpoch(c Config, state types.DaaState, newHeight uint64, newTime uint32) types.DaaState {
	state.LastHeight = newHeight
	state.LastTime = newTime
	if newHeight%c.EpochLength != 0 {
		return clampFloor(state)
	}

	expected := uint64(c.EpochLength) * uint64(c.TargetBlockTime)
	actual := int64(newTime) - int64(state.EpochStartTime)
	if actual < 1 {
		actual = 1
	}

	adjScaled := mulDivUint64(expected, fixedPointScale, uint64(actual))
	lo := fixedPointScale / c.MaxAdjustment
	hi := fixedPointScale * c.MaxAdjustment
	adjScaled = clampUint64(adjScaled, lo, hi)

	state.Difficulty = mulDivUint64(state.Difficulty, adjScaled, fixedPointScale)
	state.EpochStartTime = newTime
	state.EpochStartHeight = newHeight
	return clampFloor(state)
}

func nextASERT(c Config, state types.DaaState, newHeight uint64, newTime uint32) types.DaaState {
	state.LastHeight = newHeight
	state.LastTime = newTime

	// The anchor is fixed for the life of the DaaState — it is established
	// once by NewAnchoredState, never re-derived here. A zero-value anchor
	// is a legitimate genesis anchor, not a sentinel for "unset", so ASERT
	// never mutates AnchorTime/AnchorHeight itself.
	timeDelta := int64(newTime) - int64(state.AnchorTime)
	heightDelta := int64(newHeight) - int64(state.AnchorHeight)
	expected := heightDelta * int64(c.TargetBlockTime)

	denom := int64(c.HalfLife) * int64(c.TargetBlockTime)
	exponent := int64(0)
	if denom != 0 {
		exponent = (timeDelta - expected) * ln2Scaled / denom
	}
	factor := fxExp(exponent, asertBase)

	next := mulDivInt64(int64(state.Difficulty), factor, asertBase)
	if c.Asymptote > 0 && next > int64(c.Asymptote) {
		next = int64(c.Asymptote) + (next-int64(c.Asymptote))/2
	}
	if next < 1 {
		next = 1
	}
	state.Difficulty = uint64(next)
	return state
}

// fxExp is the Taylor-expansion fixed-point exp(x) approximation ASERT-lite
// uses, clamped to +/-4R before evaluation.
func fxExp(x, r int64) int64 {
	maxX := 4 * r
	if x > maxX {
		x = maxX
	} else if x < -maxX {
		x = -maxX
	}
	x2 := (x * x) / (2 * r)
	x3 := (x * x * x) / (6 * r * r)
	return r + x + x2 + x3
}

func nextLWMA(c Config, state types.DaaState, newHeight uint64, newTime uint32) types.DaaState {
	state.LastHeight = newHeight
	state.LastTime = newTime

	state.BlockTimes = appendBoundedU32(state.BlockTimes, newTime, maxHistory)
	state.Difficulties = appendBoundedU64(state.Difficulties, state.Difficulty, maxHistory)

	n := len(state.BlockTimes) - 1
	if n <= 0 {
		return clampFloor(state)
	}
	if n > c.WindowSize {
		n = c.WindowSize
	}

	solveTimes := make([]int64, n)
	start := len(state.BlockTimes) - 1 - n
	maxSolve := int64(c.TargetBlockTime) * 6
	for i := 0; i < n; i++ {
		st := int64(state.BlockTimes[start+i+1]) - int64(state.BlockTimes[start+i])
		if st < 1 {
			st = 1
		} else if st > maxSolve {
			st = maxSolve
		}
		solveTimes[i] = st
	}

	var weightedSum, weightSum big.Int
	for i, st := range solveTimes {
		weight := big.NewInt(int64(i + 1))
		term := new(big.Int).Mul(big.NewInt(st), weight)
		weightedSum.Add(&weightedSum, term)
		weightSum.Add(&weightSum, weight)
	}
	if weightSum.Sign() == 0 {
		return clampFloor(state)
	}
	weightedMean := new(big.Int).Div(&weightedSum, &weightSum)
	if weightedMean.Sign() == 0 {
		weightedMean = big.NewInt(1)
	}

	adjScaled := mulDivUint64(uint64(c.TargetBlockTime), fixedPointScale, weightedMean.Uint64())
	adjScaled = clampUint64(adjScaled, fixedPointScale/3, fixedPointScale*3)

	state.Difficulty = mulDivUint64(state.Difficulty, adjScaled, fixedPointScale)
	return clampFloor(state)
}

func nextSchedule(c Config, state types.DaaState, newHeight uint64, newTime uint32) types.DaaState {
	state.LastHeight = newHeight
	state.LastTime = newTime
	for i := len(c.Breakpoints) - 1; i >= 0; i-- {
		if c.Breakpoints[i].Height <= newHeight {
			state.Difficulty = c.Breakpoints[i].Difficulty
			return state
		}
	}
	state.Difficulty = c.Breakpoints[0].Difficulty
	return state
}

func clampFloor(state types.DaaState) types.DaaState {
	if state.Difficulty < 1 {
		state.Difficulty = 1
	}
	return state
}

func appendBoundedU32(s []uint32, v uint32, max int) []uint32 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func appendBoundedU64(s []uint64, v uint64, max int) []uint64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func mulDivUint64(a, b, c uint64) uint64 {
	if c == 0 {
		c = 1
	}
	prod := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	prod.Div(prod, new(big.Int).SetUint64(c))
	return prod.Uint64()
}

func mulDivInt64(a, b, c int64) int64 {
	if c == 0 {
		c = 1
	}
	prod := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	prod.Div(prod, big.NewInt(c))
	return prod.Int64()
}

func clampUint64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
