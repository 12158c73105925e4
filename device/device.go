// Package device implements the search driver: the
// cooperative loop that owns the device's four storage buffers (midstate,
// target, results, nonce_offset) and dispatches batches of nonces against
// the current Work, forwarding on-device hits to the host verifier before
// publishing them as NonceCandidates.
//
// There being no literal GPU/ASIC backend in this pack, the driver's
// "device" is the CPU itself: each dispatch iteration walks a batch of
// nonces directly rather than queuing a kernel, but the storage-buffer and
// status-machine contract is unchanged, so a future hardware backend slots
// in behind the same Driver shape.
package device

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.dmint.dev/miner/algo"
	"go.dmint.dev/miner/preimage"
	"go.dmint.dev/miner/types"
	"go.dmint.dev/miner/verify"
	"lukechampine.com/frand"
)

// Status is the driver's cooperative state, set by the coordinator and
// observed by the loop between dispatches.
type Status int32

const (
	StatusReady Status = iota
	StatusMining
	StatusChange
	StatusStop
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusMining:
		return "mining"
	case StatusChange:
		return "change"
	case StatusStop:
		return "stop"
	default:
		return "unknown"
	}
}

// resultSlotCount is ND ("up to N result slots... N ≥ 128").
const resultSlotCount = 128

// dispatchReadSlots is the number of result slots the driver maps and reads
// per iteration: the first two result slots read back each dispatch.
const dispatchReadSlots = 2

// emaAlpha is the hash-rate estimator's smoothing factor.
const emaAlpha = 0.15

// Driver owns the device buffers and the search loop. All exported methods
// are safe for concurrent use by the coordinator; the loop itself runs in
// a single goroutine started by Run.
type Driver struct {
	status atomic.Int32

	mu          sync.Mutex
	work        types.Work
	pre         [preimage.Len]byte
	nonceOffset uint32
	nonceHi     uint32

	workgroups int // W
	threads    int // S

	results chan types.NonceCandidate

	rateBits atomic.Uint64 // float64 bits, smoothed hashes/sec
}

// New returns a Driver with the given workgroup count and per-workgroup
// thread count (S, default 256D). The driver starts in
// StatusReady with no Work; call SetWork before Run begins producing
// candidates.
func New(workgroups, threads int) *Driver {
	if threads <= 0 {
		threads = 256
	}
	if workgroups <= 0 {
		workgroups = 1
	}
	d := &Driver{
		workgroups: workgroups,
		threads:    threads,
		results:    make(chan types.NonceCandidate, resultSlotCount),
	}
	d.status.Store(int32(StatusReady))
	d.nonceOffset = jitterOffset()
	return d
}

// Results returns the channel the driver publishes host-verified
// NonceCandidates to, in strictly increasing (nonce_hi, nonce_lo) order
// within a single Work configuration.
func (d *Driver) Results() <-chan types.NonceCandidate { return d.results }

// Status returns the driver's current cooperative status.
func (d *Driver) Status() Status { return Status(d.status.Load()) }

// SetWork installs new Work, rewrites the midstate/target in place, and
// requests the loop transition to StatusChange without restarting the
// device.
func (d *Driver) SetWork(w types.Work) {
	d.mu.Lock()
	d.work = w
	d.pre = preimage.Build(w)
	d.nonceOffset = jitterOffset()
	d.nonceHi = 0
	d.mu.Unlock()
	d.status.Store(int32(StatusChange))
}

// Stop requests cancellation. The loop observes this within one dispatch
// interval, discards any in-flight dispatch's results, and settles in
// StatusReady with the hash-rate estimator reset to zero.
func (d *Driver) Stop() { d.status.Store(int32(StatusStop)) }

// HashRate returns the current smoothed hashes/sec estimate.
func (d *Driver) HashRate() float64 {
	return math.Float64frombits(d.rateBits.Load())
}

func jitterOffset() uint32 {
	return uint32(frand.Uint64n(1 << 32))
}

// Run executes the cooperative loop until ctx is cancelled or the status
// transitions to stop and the loop settles. It never busy-waits: absent
// work it parks briefly rather than spinning, and each dispatch blocks on
// delivering its results to the Results channel.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch Status(d.status.Load()) {
		case StatusStop:
			d.status.Store(int32(StatusReady))
			d.rateBits.Store(math.Float64bits(0))
			return nil
		case StatusChange:
			d.status.CompareAndSwap(int32(StatusChange), int32(StatusMining))
		case StatusReady:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if err := d.dispatch(ctx); err != nil {
			return err
		}
	}
}

// dispatch performs one iterationD steps 1-4 over a batch of
// W*S nonces.
func (d *Driver) dispatch(ctx context.Context) error {
	d.mu.Lock()
	pre := d.pre
	algorithm := d.work.Algorithm
	target := d.work.Target
	offset := d.nonceOffset
	hi := d.nonceHi
	n := uint32(d.workgroups) * uint32(d.threads)
	d.mu.Unlock()

	if _, err := algo.Lookup(algorithm); err != nil {
		// no usable work yet; park briefly until the coordinator calls SetWork again or Stop
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		return nil
	}

	start := time.Now()
	var hits []types.NonceCandidate
	for i := uint32(0); i < n && len(hits) < dispatchReadSlots; i++ {
		lo := offset + i // wraps within the 32-bit nonce_lo space
		nonce := types.NonceCandidate{Hi: hi, Lo: lo}
		h := deviceHash(algorithm, pre, nonce)
		if devicePredicate(algorithm, target, h) {
			hits = append(hits, nonce)
		}
	}
	elapsed := time.Since(start).Seconds()
	d.updateRate(n, elapsed)
	d.advanceOffset(offset, hi, n)

	if Status(d.status.Load()) == StatusStop {
		return nil // stop requested mid-dispatch: its results are discarded
	}
	for _, nonce := range hits {
		ok, err := verify.Candidate(algorithm, pre, nonce, target)
		if err != nil || !ok {
			continue // device false positive; discarded silently
		}
		select {
		case d.results <- nonce:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Driver) advanceOffset(offset, hi, n uint32) {
	newOffset := offset + n
	d.mu.Lock()
	defer d.mu.Unlock()
	if newOffset < offset { // 32-bit nonce_lo space exhausted
		d.nonceHi = hi + 1
	}
	d.nonceOffset = newOffset
}

func (d *Driver) updateRate(n uint32, elapsedSecs float64) {
	if elapsedSecs <= 0 {
		return
	}
	instant := float64(n) / elapsedSecs
	prev := math.Float64frombits(d.rateBits.Load())
	smoothed := (1-emaAlpha)*prev + emaAlpha*instant
	d.rateBits.Store(math.Float64bits(smoothed))
}
