package chain_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.dmint.dev/miner/chain"
	"go.dmint.dev/miner/types"
)

// fakeServer runs a minimal websocket RPC server that answers
// transaction.get with a canned hex payload and otherwise echoes a
// dummy result, enough to exercise WebsocketGateway's call/dispatch path
// without a real indexer.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     string `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			var result string
			switch req.Method {
			case "transaction.get":
				result = `"deadbeef"`
			default:
				result = `{}`
			}
			resp := map[string]any{"id": req.ID, "result": json.RawMessage(result)}
			b, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebsocketGatewayFetchTx(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	gw := chain.NewWebsocketGateway([]string{wsURL(srv.URL)}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	// give Run a moment to dial before issuing a call
	deadline := time.Now().Add(2 * time.Second)
	var raw []byte
	var err error
	for time.Now().Before(deadline) {
		raw, err = gw.FetchTx(ctx, types.TxID{}, false)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("FetchTx: %v", err)
	}
	if string(raw) != "deadbeef" {
		t.Fatalf("got %q, want %q", raw, "deadbeef")
	}
}

func TestMissedHeartbeatInitiallyTrue(t *testing.T) {
	gw := chain.NewWebsocketGateway(nil, nil)
	if !gw.MissedHeartbeat() {
		t.Fatal("expected a never-connected gateway to report a missed heartbeat")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	gw := chain.NewWebsocketGateway(nil, nil)
	if err := gw.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
