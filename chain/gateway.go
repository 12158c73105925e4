// Package chain defines the ChainGateway adapter trait the claim
// coordinator consumes and a concrete WebsocketGateway implementing it
// over a persistent socket, with the handshake/heartbeat/back-off timers
package chain

import (
	"context"
	"encoding/hex"

	"go.dmint.dev/miner/types"
)

// SubscriptionStatus is one update delivered for a subscribed script hash.
// Token deduplicates retries/replays: the gateway guarantees callbacks for
// the same script hash arrive in server order, but the core still
// deduplicates by Token in case of a reconnect replay.
type SubscriptionStatus struct {
	ScriptHash types.Hash256
	Token      string
	Location   types.Location
}

// Gateway is the external chain adapter the coordinator consumes. Every
// method may be called concurrently with itself for distinct arguments;
// callbacks registered via Subscribe for the same script hash are
// delivered strictly in the order the server emitted them.
type Gateway interface {
	// FetchTx returns the raw transaction for txid. If fresh is true, the
	// implementation must bypass any local cache.
	FetchTx(ctx context.Context, txid types.TxID, fresh bool) ([]byte, error)
	// FetchRef resolves a contract reference to its first-ever location and
	// its current location.
	FetchRef(ctx context.Context, ref types.Ref) (first, current types.Location, err error)
	// Subscribe registers cb to receive every SubscriptionStatus the server
	// emits for scriptHash, starting with its current status.
	Subscribe(ctx context.Context, scriptHash types.Hash256, cb func(SubscriptionStatus)) error
	// Unsubscribe cancels a prior Subscribe for scriptHash.
	Unsubscribe(ctx context.Context, scriptHash types.Hash256) error
	// Broadcast submits raw to the network, returning its txid or a
	// broadcast error whose message the caller classifies against the
	// error taxonomy.
	Broadcast(ctx context.Context, raw []byte) (types.TxID, error)
	// ListUnspent returns the unspent outputs controlled by address.
	ListUnspent(ctx context.Context, address types.Address) ([]types.UTXO, error)
}

// DecodeRawTx decodes raw as ASCII hex if it looks like one — the
// illustrative transaction.get RPC's result body is a hex string, per
// WebsocketGateway.FetchTx — otherwise returns it unchanged.
func DecodeRawTx(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return raw, nil
	}
	dec, err := hex.DecodeString(string(raw))
	if err != nil {
		return raw, nil
	}
	return dec, nil
}
