// Package claim implements the claim coordinator: the
// single-producer/single-consumer state machine that turns a verified
// NonceCandidate into a broadcast claim transaction, and reacts to
// broadcast outcomes, chain subscriptions, and timeouts.
package claim

import (
	"crypto/sha256"
	"fmt"

	"go.dmint.dev/miner/chain"
	"go.dmint.dev/miner/script"
	"go.dmint.dev/miner/types"
)

// FeeRate is F, the fixed fee rate in photons per kilobyte.
const FeeRate = 5_000_000

// BalanceReserve is the fixed "0.01" reserve the balance gate enforces on
// top of the reward fraction, expressed in
// the same photon units as ContractState.Reward and WalletSnapshot.Balance.
const BalanceReserve = 1_000_000

// TxIn is one input of a claim Transaction.
type TxIn struct {
	TxID      types.TxID
	Vout      uint32
	ScriptSig []byte
}

// EncodeTo implements types.EncoderTo.
func (in TxIn) EncodeTo(e *types.Encoder) {
	in.TxID.EncodeTo(e)
	e.WriteUint32(in.Vout)
	e.WriteBytes(in.ScriptSig)
}

// DecodeFrom implements types.DecoderFrom.
func (in *TxIn) DecodeFrom(d *types.Decoder) {
	in.TxID.DecodeFrom(d)
	in.Vout = d.ReadUint32()
	in.ScriptSig = d.ReadBytes()
}

// TxOut is one output of a claim Transaction.
type TxOut struct {
	Value  uint64
	Script []byte
}

// EncodeTo implements types.EncoderTo.
func (out TxOut) EncodeTo(e *types.Encoder) {
	e.WriteUint64(out.Value)
	e.WriteBytes(out.Script)
}

// DecodeFrom implements types.DecoderFrom.
func (out *TxOut) DecodeFrom(d *types.Decoder) {
	out.Value = d.ReadUint64()
	out.Script = d.ReadBytes()
}

// Transaction is the claim transaction assembledG step 2.
// It is deliberately a flat input/output list, not a full wire-format
// transaction: the detailed bytecode of signature verification is out of
// scope; EncodeTo below produces the bytes the coordinator
// signs and broadcasts.
type Transaction struct {
	Inputs  []TxIn
	Outputs []TxOut
}

// EncodeTo writes t's canonical byte representation, used both as the
// signing preimage for wallet inputs and as the payload handed to the
// chain gateway's Broadcast call.
func (t Transaction) EncodeTo(e *types.Encoder) {
	types.EncodeSlice(e, t.Inputs)
	types.EncodeSlice(e, t.Outputs)
}

// DecodeFrom implements types.DecoderFrom, the inverse of EncodeTo. It is
// used to parse a transaction fetched back from the chain gateway, whose
// raw bytes are exactly what Broadcast was handed.
func (t *Transaction) DecodeFrom(d *types.Decoder) {
	types.DecodeSlice(d, &t.Inputs)
	types.DecodeSlice(d, &t.Outputs)
}

// Bytes returns t's canonical encoding.
func (t Transaction) Bytes() []byte {
	var buf []byte
	w := &byteSink{buf: &buf}
	e := types.NewEncoder(w)
	t.EncodeTo(e)
	e.Flush()
	return buf
}

// DecodeTransaction parses raw as a Transaction using the same canonical
// encoding Bytes produces.
func DecodeTransaction(raw []byte) (Transaction, error) {
	d := types.NewBufDecoder(raw)
	var t Transaction
	t.DecodeFrom(d)
	if err := d.Err(); err != nil {
		return Transaction{}, fmt.Errorf("claim: decoding transaction: %w", err)
	}
	return t, nil
}

// OutputScript decodes raw — hex-encoded or binary, per the chain gateway's
// FetchTx convention — as a Transaction and returns the locking script of
// its output at vout. This is how the coordinator recovers a single
// output's script from a transaction fetched by txid alone, since the
// contract-state/burn-sibling parsers in package script operate on one
// output's script, not a whole transaction.
func OutputScript(raw []byte, vout uint32) ([]byte, error) {
	bin, err := chain.DecodeRawTx(raw)
	if err != nil {
		return nil, fmt.Errorf("claim: decoding raw tx: %w", err)
	}
	txn, err := DecodeTransaction(bin)
	if err != nil {
		return nil, err
	}
	if int(vout) >= len(txn.Outputs) {
		return nil, fmt.Errorf("claim: vout %d out of range (%d outputs)", vout, len(txn.Outputs))
	}
	return txn.Outputs[vout].Script, nil
}

// SigHash returns the digest wallet inputs are signed over: SHA-256d of
// the transaction's canonical encoding with every input's ScriptSig (the
// contract input's included) blanked out, the same blank-then-hash convention a P2PKH sighash uses so
// that a signature doesn't need to cover itself.
func (t Transaction) SigHash() types.Hash256 {
	blanked := Transaction{Inputs: make([]TxIn, len(t.Inputs)), Outputs: t.Outputs}
	for i, in := range t.Inputs {
		blanked.Inputs[i] = TxIn{TxID: in.TxID, Vout: in.Vout}
	}
	b := blanked.Bytes()
	h1 := sha256.Sum256(b)
	h2 := sha256.Sum256(h1[:])
	return types.Hash256(h2)
}

// EstimatedSize approximates the transaction's serialized size in bytes,
// for the FeeRate*size/1000 change calculation in step 2. It does not need
// to be exact: the wallet's fee/change split only needs to be monotonic in
// input/output count, and any shortfall is absorbed by the change output
// shrinking, never by underpaying the network the way an exact byte count
// would require.
func (t Transaction) EstimatedSize() uint64 {
	const perInput, perOutput, overhead = 148, 34, 10
	return uint64(overhead + perInput*len(t.Inputs) + perOutput*len(t.Outputs))
}

// ContractScriptSig builds input 0's unlocking script: <nonce>
// <sha256d(input_script)> <sha256d(output_script)> 0.
// The trailing 0 selects the "supply a PoW nonce" spend path in the
// on-chain script template; its exact opcode encoding is opaque, so this
// is the direct field-concatenation form.
func ContractScriptSig(nonce types.NonceCandidate, inputScript, outputScript []byte) []byte {
	nb := nonce.Bytes()
	inDigest := sha256d(inputScript)
	outDigest := sha256d(outputScript)
	sig := make([]byte, 0, len(nb)+32+32+1)
	sig = append(sig, nb[:]...)
	sig = append(sig, inDigest[:]...)
	sig = append(sig, outDigest[:]...)
	sig = append(sig, 0)
	return sig
}

func sha256d(b []byte) [32]byte {
	h1 := sha256.Sum256(b)
	return sha256.Sum256(h1[:])
}

// NextContractOutput builds output 0: the re-created contract UTXO at
// height+1, or a burn output if the next height reaches max_height.
func NextContractOutput(next types.ContractState) TxOut {
	if next.Burned() {
		return TxOut{Value: 0, Script: script.EncodeBurn(next.ContractRef)}
	}
	return TxOut{Value: 0, Script: script.EncodeState(next)}
}

// RewardOutput builds output 1: the FT reward paid to the miner, with a
// script binding the mining address to token_ref. The exact FT-locking
// bytecode is out of scope; this embeds token_ref directly,
// the only detail the coordinator is responsible for.
func RewardOutput(reward uint64, tokenRef types.Ref, minerAddress types.Address) TxOut {
	scr := make([]byte, 0, 36+20)
	scr = append(scr, tokenRef.TxID[:]...)
	var vout [4]byte
	putUint32LE(vout[:], tokenRef.Vout)
	scr = append(scr, vout[:]...)
	scr = append(scr, minerAddress[:]...)
	return TxOut{Value: reward, Script: scr}
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// MessageOutput builds output 2: the same bytes as Work's OutputScript.
func MessageOutput(outputScript []byte) TxOut {
	return TxOut{Value: 0, Script: outputScript}
}

// ChangeOutput builds output 3: change back to the miner at FeeRate
// photons/kB, given the total wallet input value and the transaction's
// other outputs. It returns ok=false if the inputs can't cover the other
// outputs plus the estimated fee, in which case the caller must add more
// wallet UTXOs before assembling the final transaction.
func ChangeOutput(inputTotal uint64, spentElsewhere uint64, estimatedSize uint64, changeScript []byte) (TxOut, bool) {
	fee := estimatedSize * FeeRate / 1000
	if fee == 0 {
		fee = 1
	}
	if inputTotal < spentElsewhere+fee {
		return TxOut{}, false
	}
	change := inputTotal - spentElsewhere - fee
	return TxOut{Value: change, Script: changeScript}, true
}

// byteSink is the minimal io.Writer EncodeTo needs to grow a []byte
// without pulling in bytes.Buffer for a single append-only use.
type byteSink struct{ buf *[]byte }

func (s *byteSink) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}
