package claim

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"go.dmint.dev/miner/algo"
	"go.dmint.dev/miner/chain"
	"go.dmint.dev/miner/daa"
	"go.dmint.dev/miner/device"
	"go.dmint.dev/miner/preimage"
	"go.dmint.dev/miner/script"
	"go.dmint.dev/miner/types"
	"go.dmint.dev/miner/verify"
	"go.dmint.dev/miner/wallet"
)

// ErrKind classifies a broadcast failure by its error taxonomy.
type ErrKind int

const (
	ErrOther ErrKind = iota
	ErrMempoolConflict
	ErrContractFail
	ErrMissingInputs
	ErrLowFee
)

func (k ErrKind) String() string {
	switch k {
	case ErrMempoolConflict:
		return "txn-mempool-conflict"
	case ErrContractFail:
		return "mandatory-script-verify-flag-failed"
	case ErrMissingInputs:
		return "missing-inputs"
	case ErrLowFee:
		return "low-fee"
	default:
		return "other"
	}
}

// ClassifyBroadcastError maps a broadcast error's message to the taxonomy
// table in the error handling design.
func ClassifyBroadcastError(err error) ErrKind {
	if err == nil {
		return ErrOther
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "txn-mempool-conflict"):
		return ErrMempoolConflict
	case strings.Contains(msg, "mandatory-script-verify-flag-failed"):
		return ErrContractFail
	case strings.Contains(msg, "missing inputs"):
		return ErrMissingInputs
	case strings.Contains(msg, "min relay fee not met"), strings.Contains(msg, "bad-txns-in-belowout"):
		return ErrLowFee
	default:
		return ErrOther
	}
}

// recentAcceptedCap bounds the recently-accepted-locations set used by
// the optimistic local advance.
const recentAcceptedCap = 20

// mempoolConflictRecoveryThreshold is the 3rd-consecutive-conflict trigger
// for full recovery.
const mempoolConflictRecoveryThreshold = 3

// subscriptionCheckTimeout and contractCheckTimeout are the liveness
// watchdog timers.
const (
	subscriptionCheckTimeout       = 10 * time.Second
	contractCheckTimeout           = 60 * time.Second
	contractCheckMempoolConflictTO = 10 * time.Second
)

// Notifier receives user-visible messages the coordinator surfaces on
// stop-and-notify and fatal conditions.
type Notifier interface {
	Notify(msg string)
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(string)

// Notify implements Notifier.
func (f NotifyFunc) Notify(msg string) { f(msg) }

// Coordinator is the single-producer/single-consumer claim state machine.
// It owns ContractState, the wallet snapshot, mining
// counters, and the driver's status — nothing else may mutate them
// (Shared-resource policy). A Coordinator must be driven by
// exactly one goroutine calling Run; every other exported method is safe
// to call from other goroutines (the driver's result-forwarding goroutine,
// timers, subscription callbacks) because it only ever posts to an
// internal channel.
type Coordinator struct {
	gateway chain.Gateway
	wallet  wallet.Wallet
	engine  *device.Driver
	daaCfg  daa.Config
	message string // operator-configured mint-message annotation
	logger  *log.Logger
	notify  Notifier

	// Owned exclusively by the Run goroutine from here down.
	state       types.ContractState
	daaState    types.DaaState
	snapshot    types.WalletSnapshot
	ready       bool
	inFlight    bool
	conflictRun int
	accepted    uint64
	rejected    uint64
	recent      []types.TxID
	lastToken   string

	events chan event
}

type eventKind int

const (
	eventCandidate eventKind = iota
	eventStatus
	eventBroadcastResult
	eventSubscriptionTimeout
	eventContractTimeout
	eventStop
)

type event struct {
	kind         eventKind
	nonce        types.NonceCandidate
	status       chain.SubscriptionStatus
	txid         types.TxID
	err          error
	attempted    types.ContractState
	attemptedDaa types.DaaState
}

// New returns a Coordinator for state, wired to gateway/wallet/engine with
// the given DAA configuration. message is the operator's mint-message
// annotation, persisted across restarts; it is embedded as Work's
// OutputScript. The caller must call Run in its own goroutine.
func New(gateway chain.Gateway, w wallet.Wallet, engine *device.Driver, daaCfg daa.Config, state types.ContractState, daaState types.DaaState, message string, logger *log.Logger, notify Notifier) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	if notify == nil {
		notify = NotifyFunc(func(string) {})
	}
	return &Coordinator{
		gateway:  gateway,
		wallet:   w,
		engine:   engine,
		daaCfg:   daaCfg,
		message:  message,
		logger:   logger,
		notify:   notify,
		state:    state,
		daaState: daaState,
		events:   make(chan event, 32),
	}
}

// Accepted returns the number of claims this coordinator has had accepted.
func (c *Coordinator) Accepted() uint64 { return c.accepted }

// Rejected returns the number of rejected broadcasts, counting every error
// kind, mempool conflicts included.
func (c *Coordinator) Rejected() uint64 { return c.rejected }

// State returns a copy of the coordinator's current ContractState. Copies
// are safe to read from any goroutine (publish-only
// semantics); the coordinator itself never observes a caller's copy.
func (c *Coordinator) State() types.ContractState { return c.state }

// DaaState returns a copy of the coordinator's current DaaState, advanced
// by daa.Next after every accepted mint (its own or another miner's).
func (c *Coordinator) DaaState() types.DaaState { return c.daaState }

// SubmitCandidate delivers a verified nonce from the search engine. It is
// safe to call from the engine's result-forwarding goroutine.
func (c *Coordinator) SubmitCandidate(n types.NonceCandidate) {
	select {
	case c.events <- event{kind: eventCandidate, nonce: n}:
	default:
		// Channel full: this candidate is dropped rather than blocking the
		// engine's forwarding goroutine; events already queued are kept.
	}
}

// OnSubscriptionStatus delivers a chain-gateway subscription callback. Safe
// to call from the gateway's own goroutine.
func (c *Coordinator) OnSubscriptionStatus(s chain.SubscriptionStatus) {
	c.events <- event{kind: eventStatus, status: s}
}

// Stop requests the Run loop to exit when it reaches this event; a
// broadcast still in flight is not awaited.
func (c *Coordinator) Stop() { c.events <- event{kind: eventStop} }

// Prime refreshes the wallet snapshot and, if the balance gate passes,
// hands the engine its first Work so mining can begin. The caller invokes
// this once after startup, before calling Run, since the coordinator only
// otherwise refreshes Work in reaction to a broadcast result or a
// subscription status update.
func (c *Coordinator) Prime(ctx context.Context) {
	c.refreshUnspent(ctx)
	if c.state.Burned() {
		c.notify.Notify("minted out")
		return
	}
	if !c.balanceOK() {
		c.notify.Notify("balance too low, mining stopped")
		return
	}
	c.engine.SetWork(c.work())
}

// Run drains the coordinator's event channel until Stop is called or ctx
// is cancelled. It is the coordinator's single owning goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	subTimer := time.NewTimer(subscriptionCheckTimeout)
	contractTimer := time.NewTimer(contractCheckTimeout)
	defer subTimer.Stop()
	defer contractTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			switch ev.kind {
			case eventStop:
				return nil
			case eventCandidate:
				c.handleCandidate(ctx, ev.nonce)
			case eventStatus:
				c.handleStatus(ctx, ev.status)
				resetTimer(subTimer, subscriptionCheckTimeout)
				resetTimer(contractTimer, contractCheckTimeout)
			case eventBroadcastResult:
				c.handleBroadcastResult(ctx, ev)
				if c.conflictRun > 0 {
					resetTimer(contractTimer, contractCheckMempoolConflictTO)
				}
			}
		case <-subTimer.C:
			c.refreshUnspent(ctx)
			resetTimer(subTimer, subscriptionCheckTimeout)
		case <-contractTimer.C:
			c.refreshLocation(ctx)
			timeout := contractCheckTimeout
			if c.conflictRun > 0 {
				timeout = contractCheckMempoolConflictTO
			}
			resetTimer(contractTimer, timeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handleCandidate drops a candidate if a broadcast is already in flight,
// checks the balance gate, verifies the nonce, and assembles a claim.
func (c *Coordinator) handleCandidate(ctx context.Context, nonce types.NonceCandidate) {
	if c.inFlight {
		return // single-producer/single-consumer: drop while one is outstanding
	}
	if !c.balanceOK() {
		c.engine.Stop()
		c.notify.Notify("balance too low, mining stopped")
		return
	}

	work := c.work()
	ok, err := verify.Candidate(work.Algorithm, preimageOf(work), nonce, work.Target)
	if err != nil || !ok {
		return // device false positive; discarded silently
	}

	next, nextDaa := c.nextContractState()
	txn, err := c.assemble(nonce, next)
	if err != nil {
		c.logger.Printf("claim: assembling transaction: %v", err)
		return
	}

	c.inFlight = true
	go func() {
		txid, err := c.gateway.Broadcast(ctx, txn.Bytes())
		c.events <- event{kind: eventBroadcastResult, txid: txid, err: err, attempted: next, attemptedDaa: nextDaa}
	}()
}

func (c *Coordinator) handleBroadcastResult(ctx context.Context, ev event) {
	c.inFlight = false
	if ev.err == nil {
		c.acceptBroadcast(ev.txid, ev.attempted, ev.attemptedDaa)
		return
	}

	kind := ClassifyBroadcastError(ev.err)
	c.rejected++
	switch kind {
	case ErrMempoolConflict:
		c.conflictRun++
		if c.conflictRun >= mempoolConflictRecoveryThreshold {
			c.conflictRun = 0
			c.fullRecovery(ctx)
		}
		// otherwise: Run re-arms the contract-check timer with its 10s
		// conflict timeout while conflictRun > 0.
	case ErrContractFail, ErrMissingInputs:
		c.fullRecovery(ctx)
	case ErrLowFee:
		c.engine.Stop()
		c.notify.Notify("broadcast rejected: fee too low, mining stopped")
	default:
		c.logger.Printf("claim: broadcast rejected: %v", ev.err)
	}
}

// acceptBroadcast advances the in-memory ContractState immediately on a
// successful broadcast, before the next subscription update arrives. It
// also commits the DaaState computed for this claim in nextContractState,
// since handleStatus's own daa.Next call is unreachable for our own
// mints (c.recent suppresses the echoed subscription update below).
func (c *Coordinator) acceptBroadcast(txid types.TxID, next types.ContractState, nextDaa types.DaaState) {
	c.accepted++
	c.conflictRun = 0
	next.Location = types.Location{TxID: txid, Vout: 0}
	c.state = next
	c.daaState = nextDaa
	c.recent = appendBoundedTxID(c.recent, txid, recentAcceptedCap)

	if c.state.Burned() {
		c.engine.Stop()
		c.notify.Notify("minted out")
		return
	}
	c.engine.SetWork(c.work())
	if !c.balanceOK() {
		c.engine.Stop()
		c.notify.Notify("balance too low, mining stopped")
	}
}

// handleStatus processes a chain-gateway subscription callback: a location
// update for the contract's script hash. The gateway guarantees in-order
// delivery per script hash but may replay a status on reconnect, so the
// core deduplicates by Token independently of the gateway's own replay
// guard; an empty Token (a synthetic status built by refreshLocation, not
// delivered by the gateway) always passes through. It also suppresses the
// false "new location" notification produced when the subscription echoes
// back our own optimistic mint.
func (c *Coordinator) handleStatus(ctx context.Context, s chain.SubscriptionStatus) {
	if s.Token != "" {
		if s.Token == c.lastToken {
			return
		}
		c.lastToken = s.Token
	}
	if isRecent(c.recent, s.Location.TxID) {
		return
	}
	if s.Location == c.state.Location {
		return
	}

	raw, err := c.gateway.FetchTx(ctx, s.Location.TxID, true)
	if err != nil {
		c.logger.Printf("claim: fetching new location tx: %v", err)
		return
	}
	outScript, err := OutputScript(raw, s.Location.Vout)
	if err != nil {
		c.logger.Printf("claim: extracting output %d of new location tx: %v", s.Location.Vout, err)
		return
	}
	ps, err := findContractOutput(outScript, c.state.ContractRef)
	if err != nil {
		if ref, ok := findBurnOutput(outScript, c.state.ContractRef); ok && ref == c.state.ContractRef {
			c.state.Height = c.state.MaxHeight
			c.engine.Stop()
			c.notify.Notify("minted out")
			return
		}
		c.logger.Printf("claim: parsing new contract state: %v", err)
		return
	}

	c.state = ps.ToContractState(s.Location, c.state.Message)
	next, err := daa.Next(c.daaCfg, c.daaState, c.state.Height, nowSeconds())
	if err == nil {
		c.daaState = next
	}
	if c.state.Burned() {
		c.engine.Stop()
		c.notify.Notify("minted out")
		return
	}
	c.engine.SetWork(c.work())
}

func (c *Coordinator) refreshUnspent(ctx context.Context) {
	snap, err := c.wallet.Unspent(ctx)
	if err != nil {
		c.logger.Printf("claim: refreshing unspent: %v", err)
		return
	}
	c.snapshot = snap
}

func (c *Coordinator) refreshLocation(ctx context.Context) {
	_, current, err := c.gateway.FetchRef(ctx, c.state.ContractRef)
	if err != nil {
		c.logger.Printf("claim: refreshing location: %v", err)
		return
	}
	if current == c.state.Location {
		return
	}
	c.handleStatus(ctx, chain.SubscriptionStatus{Location: current})
}

// fullRecovery stops the engine, refreshes wallet unspent, refetches the
// contract's current location, resubscribes, and restarts the engine if
// mining was enabled.
func (c *Coordinator) fullRecovery(ctx context.Context) {
	wasMining := c.engine.Status() == device.StatusMining || c.engine.Status() == device.StatusChange
	c.engine.Stop()
	c.refreshUnspent(ctx)
	c.refreshLocation(ctx)
	if wasMining && c.balanceOK() {
		c.engine.SetWork(c.work())
	}
}

// balanceOK implements the balance gate: wallet_balance >= 0.01 + reward_fraction.
func (c *Coordinator) balanceOK() bool {
	rewardFraction := c.state.Reward / 100
	return c.snapshot.Balance() >= BalanceReserve+rewardFraction
}

// nextContractState advances height by one and recomputes DaaState via
// daa.Next before deriving the next target, per the "DaaState is updated
// immediately before assembling a claim" rule. The recomputed DaaState is
// only committed to c.daaState once the broadcast it is embedded in is
// accepted (see acceptBroadcast); nextContractState itself must stay a
// pure preview so a failed broadcast does not advance the DAA twice.
func (c *Coordinator) nextContractState() (types.ContractState, types.DaaState) {
	next := c.state
	next.Height++
	daaState := c.daaState
	if updated, err := daa.Next(c.daaCfg, c.daaState, next.Height, nowSeconds()); err == nil {
		daaState = updated
	}
	next.Target = nextTargetFor(daaState, c.state.AlgoID)
	return next, daaState
}

func nextTargetFor(state types.DaaState, id types.AlgoID) types.Target {
	t, err := algo.TargetFromDifficulty(id, state.Difficulty)
	if err != nil {
		return types.Target{}
	}
	return t
}

// work derives the current Work from the coordinator's ContractState and
// the miner's own scripts (Work): InputScript is the miner's
// P2PKH locking script, OutputScript is the OP_RETURN message annotation.
func (c *Coordinator) work() types.Work {
	addr := c.wallet.Address()
	return types.Work{
		TxID:         c.state.Location.TxID,
		ContractRef:  c.state.ContractRef,
		InputScript:  wallet.StandardChangeScript(addr),
		OutputScript: script.EncodeMessage(c.message),
		Target:       c.state.Target,
		Algorithm:    c.state.AlgoID,
	}
}

func (c *Coordinator) assemble(nonce types.NonceCandidate, next types.ContractState) (Transaction, error) {
	work := c.work()
	minerAddr := c.wallet.Address()

	txn := Transaction{
		Inputs: []TxIn{{
			TxID:      c.state.Location.TxID,
			Vout:      c.state.Location.Vout,
			ScriptSig: ContractScriptSig(nonce, work.InputScript, work.OutputScript),
		}},
	}
	for _, u := range c.snapshot.UTXOs {
		txn.Inputs = append(txn.Inputs, TxIn{TxID: u.TxID, Vout: u.Vout})
	}

	txn.Outputs = []TxOut{
		NextContractOutput(next),
		RewardOutput(c.state.Reward, c.state.TokenRef, minerAddr),
		MessageOutput(work.OutputScript),
	}

	var spentElsewhere uint64
	for _, o := range txn.Outputs {
		spentElsewhere += o.Value
	}
	change, ok := ChangeOutput(c.snapshot.Balance(), spentElsewhere, txn.EstimatedSize(), c.wallet.ChangeScript())
	if !ok {
		return Transaction{}, errors.New("claim: insufficient wallet balance to cover fee")
	}
	txn.Outputs = append(txn.Outputs, change)

	if err := c.signWalletInputs(&txn); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func (c *Coordinator) signWalletInputs(txn *Transaction) error {
	sigHash := txn.SigHash()
	priv := c.snapshot.SigningKey
	sig := priv.SignHash(sigHash)
	pub := priv.PublicKey()
	for i := 1; i < len(txn.Inputs); i++ {
		txn.Inputs[i].ScriptSig = standardUnlockScript(sig, pub)
	}
	return nil
}

func standardUnlockScript(sig types.Signature, pub types.PublicKey) []byte {
	out := make([]byte, 0, len(sig)+len(pub)+2)
	out = append(out, byte(len(sig)))
	out = append(out, sig...)
	out = append(out, byte(len(pub)))
	out = append(out, pub[:]...)
	return out
}

func preimageOf(w types.Work) [preimage.Len]byte {
	return preimage.Build(w)
}

func appendBoundedTxID(s []types.TxID, v types.TxID, max int) []types.TxID {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func nowSeconds() uint32 { return uint32(time.Now().Unix()) }

func isRecent(s []types.TxID, txid types.TxID) bool {
	for _, v := range s {
		if v == txid {
			return true
		}
	}
	return false
}

func findContractOutput(scr []byte, contractRef types.Ref) (script.ParsedState, error) {
	return script.ParseState(scr, contractRef)
}

func findBurnOutput(scr []byte, contractRef types.Ref) (types.Ref, bool) {
	return script.BurnSiblingRef(scr)
}
