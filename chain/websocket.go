package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.dmint.dev/miner/types"
)

// Timeouts
const (
	HandshakeTimeout      = 10 * time.Second
	HeartbeatInterval     = 30 * time.Second
	HeartbeatReplyTimeout = 10 * time.Second
	ReconnectBackoff      = 10 * time.Second
	FullRotationBackoff   = 120 * time.Second
)

// rpc request/response framing, named after the illustrative on-wire RPCs
// (transaction.get, transaction.broadcast, ref.get,
// scripthash.subscribe, scripthash.listunspent, server.ping).
type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type subscriptionPush struct {
	Method string `json:"method"`
	Params struct {
		ScriptHash types.Hash256 `json:"scripthash"`
		TxID       types.TxID    `json:"txid"`
		Vout       uint32        `json:"vout"`
	} `json:"params"`
}

// WebsocketGateway implements Gateway over a persistent
// github.com/gorilla/websocket connection to a single Electrum-like
// indexer server, with automatic reconnection and heartbeat liveness
// checking. Only the read-loop goroutine started by Run reads from conn;
// RPC methods write their requests to conn directly and receive replies
// through pending, while subscription pushes are routed through subs.
type WebsocketGateway struct {
	dialer  *websocket.Dialer
	servers []string

	mu       sync.Mutex
	conn     *websocket.Conn
	serverIx int
	pending  map[string]chan rpcResponse
	subs     map[types.Hash256]func(SubscriptionStatus)
	lastSeen map[types.Hash256]string // last delivered token, for dedup

	lastActivity time.Time
	closed       bool
	closeCh      chan struct{}

	logger *log.Logger
}

// NewWebsocketGateway returns a gateway that dials servers in order,
// rotating through the list on disconnect (10s between
// servers; 120s after a full rotation).
func NewWebsocketGateway(servers []string, logger *log.Logger) *WebsocketGateway {
	if logger == nil {
		logger = log.Default()
	}
	return &WebsocketGateway{
		dialer:   websocket.DefaultDialer,
		servers:  servers,
		pending:  make(map[string]chan rpcResponse),
		subs:     make(map[types.Hash256]func(SubscriptionStatus)),
		lastSeen: make(map[types.Hash256]string),
		closeCh:  make(chan struct{}),
		logger:   logger,
	}
}

// Run dials the current server and services the connection until ctx is
// cancelled, reconnecting with the back-off schedule on any
// disconnect. It is the one long-lived goroutine a caller must start.
func (g *WebsocketGateway) Run(ctx context.Context) error {
	rotations := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := g.runOnce(ctx); err != nil {
			g.logger.Printf("chain: connection to %s lost: %v", g.currentServer(), err)
		}
		g.advanceServer()
		backoff := ReconnectBackoff
		rotations++
		if rotations%len(g.servers) == 0 {
			backoff = FullRotationBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (g *WebsocketGateway) currentServer() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.servers) == 0 {
		return ""
	}
	return g.servers[g.serverIx%len(g.servers)]
}

func (g *WebsocketGateway) advanceServer() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.servers) > 0 {
		g.serverIx = (g.serverIx + 1) % len(g.servers)
	}
}

func (g *WebsocketGateway) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	conn, _, err := g.dialer.DialContext(dialCtx, g.currentServer(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	g.mu.Lock()
	g.conn = conn
	g.lastActivity = time.Now()
	g.mu.Unlock()
	defer func() {
		conn.Close()
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
	}()

	// Re-establish every live subscription against the new connection.
	g.mu.Lock()
	hashes := make([]types.Hash256, 0, len(g.subs))
	for h := range g.subs {
		hashes = append(hashes, h)
	}
	g.mu.Unlock()
	for _, h := range hashes {
		if err := g.sendSubscribe(ctx, h); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go g.readLoop(conn, errCh)

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := g.heartbeat(ctx); err != nil {
				return err
			}
		}
	}
}

func (g *WebsocketGateway) heartbeat(ctx context.Context) error {
	hbCtx, cancel := context.WithTimeout(ctx, HeartbeatReplyTimeout)
	defer cancel()
	_, err := g.call(hbCtx, "server.ping", nil)
	return err
}

func (g *WebsocketGateway) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		g.mu.Lock()
		g.lastActivity = time.Now()
		g.mu.Unlock()
		g.dispatch(msg)
	}
}

func (g *WebsocketGateway) dispatch(msg []byte) {
	var probe struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return
	}
	if probe.Method == "scripthash.subscribe" {
		var push subscriptionPush
		if err := json.Unmarshal(msg, &push); err != nil {
			return
		}
		g.deliver(push)
		return
	}
	if probe.ID == "" {
		return
	}
	g.mu.Lock()
	ch, ok := g.pending[probe.ID]
	if ok {
		delete(g.pending, probe.ID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	var resp rpcResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		resp.Error = err.Error()
	}
	ch <- resp
}

func (g *WebsocketGateway) deliver(push subscriptionPush) {
	g.mu.Lock()
	cb, ok := g.subs[push.Params.ScriptHash]
	token := push.Params.TxID.String()
	dup := g.lastSeen[push.Params.ScriptHash] == token
	if !dup {
		g.lastSeen[push.Params.ScriptHash] = token
	}
	g.mu.Unlock()
	if !ok || dup {
		return
	}
	cb(SubscriptionStatus{
		ScriptHash: push.Params.ScriptHash,
		Token:      token,
		Location:   types.Location{TxID: push.Params.TxID, Vout: push.Params.Vout},
	})
}

func (g *WebsocketGateway) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	g.mu.Lock()
	conn := g.conn
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if conn == nil {
		return nil, errors.New("chain: not connected")
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	id := uuid.NewString()
	req := rpcRequest{ID: id, Method: method, Params: raw}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan rpcResponse, 1)
	g.mu.Lock()
	g.pending[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	}
}

func (g *WebsocketGateway) sendSubscribe(ctx context.Context, scriptHash types.Hash256) error {
	_, err := g.call(ctx, "scripthash.subscribe", map[string]any{"scripthash": scriptHash})
	return err
}

// FetchTx implements Gateway.
func (g *WebsocketGateway) FetchTx(ctx context.Context, txid types.TxID, fresh bool) ([]byte, error) {
	res, err := g.call(ctx, "transaction.get", map[string]any{"txid": txid, "fresh": fresh})
	if err != nil {
		return nil, err
	}
	var hexTx string
	if err := json.Unmarshal(res, &hexTx); err != nil {
		return nil, err
	}
	return []byte(hexTx), nil
}

// FetchRef implements Gateway.
func (g *WebsocketGateway) FetchRef(ctx context.Context, ref types.Ref) (first, current types.Location, err error) {
	res, err := g.call(ctx, "ref.get", map[string]any{"ref": ref})
	if err != nil {
		return types.Location{}, types.Location{}, err
	}
	var out struct {
		First   types.Location `json:"first"`
		Current types.Location `json:"current"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return types.Location{}, types.Location{}, err
	}
	return out.First, out.Current, nil
}

// Subscribe implements Gateway.
func (g *WebsocketGateway) Subscribe(ctx context.Context, scriptHash types.Hash256, cb func(SubscriptionStatus)) error {
	g.mu.Lock()
	g.subs[scriptHash] = cb
	g.mu.Unlock()
	return g.sendSubscribe(ctx, scriptHash)
}

// Unsubscribe implements Gateway.
func (g *WebsocketGateway) Unsubscribe(ctx context.Context, scriptHash types.Hash256) error {
	g.mu.Lock()
	delete(g.subs, scriptHash)
	delete(g.lastSeen, scriptHash)
	g.mu.Unlock()
	_, err := g.call(ctx, "scripthash.unsubscribe", map[string]any{"scripthash": scriptHash})
	return err
}

// Broadcast implements Gateway.
func (g *WebsocketGateway) Broadcast(ctx context.Context, raw []byte) (types.TxID, error) {
	res, err := g.call(ctx, "transaction.broadcast", map[string]any{"raw": raw})
	if err != nil {
		return types.TxID{}, err
	}
	var txid types.TxID
	if err := json.Unmarshal(res, &txid); err != nil {
		return types.TxID{}, err
	}
	return txid, nil
}

// ListUnspent implements Gateway.
func (g *WebsocketGateway) ListUnspent(ctx context.Context, address types.Address) ([]types.UTXO, error) {
	res, err := g.call(ctx, "scripthash.listunspent", map[string]any{"address": address})
	if err != nil {
		return nil, err
	}
	var utxos []types.UTXO
	if err := json.Unmarshal(res, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// MissedHeartbeat reports whether no message has arrived for longer than
// HeartbeatInterval plus HeartbeatReplyTimeout since the last observed
// activity.
func (g *WebsocketGateway) MissedHeartbeat() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Since(g.lastActivity) > HeartbeatInterval+HeartbeatReplyTimeout
}

// ErrClosed is returned by gateway calls made after Close.
var ErrClosed = errors.New("chain: gateway closed")

// Close shuts down the gateway's connection.
func (g *WebsocketGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	close(g.closeCh)
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}
