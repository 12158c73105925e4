// Package wallet defines the wallet adapter trait the claim coordinator
// consumes: a synchronous signing identity and an on-demand
// unspent-output snapshot. The core never derives keys or constructs a
// wallet; it only consumes this interface.
package wallet

import (
	"context"
	"fmt"

	"go.dmint.dev/miner/types"
)

// A Wallet supplies the signing identity and UTXO view the claim
// coordinator needs to build and broadcast a transaction. Implementations
// own key storage and UTXO tracking; the core treats both as opaque.
type Wallet interface {
	// Address returns the miner's P2PKH mining destination.
	Address() types.Address
	// ChangeScript returns the locking script change outputs pay to. For a
	// standard P2PKH wallet this is derived from Address.
	ChangeScript() []byte
	// SigningKey returns the private key used to sign wallet-owned inputs.
	SigningKey() types.PrivateKey
	// Unspent returns a fresh snapshot of the wallet's unspent outputs.
	Unspent(ctx context.Context) (types.WalletSnapshot, error)
}

// StandardChangeScript returns the P2PKH locking script for a, in the
// template the claim coordinator expects for change outputs:
// OP_DUP OP_HASH160 <20-byte address> OP_EQUALVERIFY OP_CHECKSIG.
func StandardChangeScript(a types.Address) []byte {
	const (
		opDup         = 0x76
		opHash160     = 0xa9
		opEqualVerify = 0x88
		opCheckSig    = 0xac
		pushHash160   = 0x14 // push 20 bytes
	)
	script := make([]byte, 0, 25)
	script = append(script, opDup, opHash160, pushHash160)
	script = append(script, a[:]...)
	script = append(script, opEqualVerify, opCheckSig)
	return script
}

// StandardAddress returns the P2PKH mining address derived from pub. It is
// the wallet-package equivalent of the reference StandardAddress, adapted
// from Sia's Ed25519 UnlockHash to a secp256k1 P2PKH-style address (the
// 20-byte hash types.PublicKey.Address computes, which is not RIPEMD-160).
func StandardAddress(pub types.PublicKey) (types.Address, error) {
	a, err := pub.Address()
	if err != nil {
		return types.Address{}, fmt.Errorf("deriving address: %w", err)
	}
	return a, nil
}

// A StaticWallet is a Wallet backed by a single fixed key and a
// caller-supplied UTXO source, suitable for a single-key CLI miner
// (cmd/dminer).
type StaticWallet struct {
	priv    types.PrivateKey
	addr    types.Address
	fetchTx func(context.Context) ([]types.UTXO, error)
}

// NewStaticWallet returns a StaticWallet for priv, fetching its unspent
// outputs via fetchUnspent on demand.
func NewStaticWallet(priv types.PrivateKey, fetchUnspent func(context.Context) ([]types.UTXO, error)) (*StaticWallet, error) {
	addr, err := StandardAddress(priv.PublicKey())
	if err != nil {
		return nil, err
	}
	return &StaticWallet{priv: priv, addr: addr, fetchTx: fetchUnspent}, nil
}

// Address implements Wallet.
func (w *StaticWallet) Address() types.Address { return w.addr }

// ChangeScript implements Wallet.
func (w *StaticWallet) ChangeScript() []byte { return StandardChangeScript(w.addr) }

// SigningKey implements Wallet.
func (w *StaticWallet) SigningKey() types.PrivateKey { return w.priv }

// Unspent implements Wallet.
func (w *StaticWallet) Unspent(ctx context.Context) (types.WalletSnapshot, error) {
	utxos, err := w.fetchTx(ctx)
	if err != nil {
		return types.WalletSnapshot{}, fmt.Errorf("fetching unspent outputs: %w", err)
	}
	return types.WalletSnapshot{
		UTXOs:      utxos,
		SigningKey: w.priv,
		Address:    w.addr,
	}, nil
}
