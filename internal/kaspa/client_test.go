package kaspa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler func(method string, params []json.RawMessage) (interface{}, *RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]interface{}{"id": req.ID}
		if rpcErr != nil {
			resp["error"] = map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestNewClientVerifiesConnection(t *testing.T) {
	srv := newTestServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		if method != "getBlockDagInfo" {
			t.Errorf("unexpected method %s", method)
		}
		return BlockDagInfo{VirtualDaaScore: 42, TipHashes: []string{"aa"}}, nil
	})
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if !c.IsConnected() {
		t.Error("client not marked connected after successful dial")
	}
}

func TestNewClientFailsOnDeadNode(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Close() // dead endpoint

	if _, err := NewClient(Config{URL: srv.URL}); err == nil {
		t.Fatal("expected dial failure against closed server")
	}
}

func TestGetUtxosByAddresses(t *testing.T) {
	srv := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *RPCError) {
		if method == "getBlockDagInfo" {
			return BlockDagInfo{VirtualDaaScore: 1}, nil
		}
		var addrs []string
		if err := json.Unmarshal(params[0], &addrs); err != nil || len(addrs) != 1 {
			t.Fatalf("bad params: %v", err)
		}
		return []map[string]interface{}{
			{
				"address":   addrs[0],
				"outpoint":  map[string]interface{}{"transactionId": "tx1", "index": 0},
				"utxoEntry": map[string]interface{}{"amount": "1000000000"},
			},
			{
				"address":   addrs[0],
				"outpoint":  map[string]interface{}{"transactionId": "tx2", "index": 1},
				"utxoEntry": map[string]interface{}{"amount": "500"},
			},
		}, nil
	})
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	utxos, err := c.GetUtxosByAddresses(context.Background(), []string{"kaspa:qq"})
	if err != nil {
		t.Fatalf("GetUtxosByAddresses: %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}
	if utxos[0].Amount != 1_000_000_000 || utxos[0].TransactionID != "tx1" {
		t.Errorf("unexpected first utxo: %+v", utxos[0])
	}
}

func TestVirtualTip(t *testing.T) {
	tipHash := "00000f12ab0000000000000000000000000000000000000000000000000000aa"
	srv := newTestServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		return BlockDagInfo{VirtualDaaScore: 9001, TipHashes: []string{tipHash, "bb"}}, nil
	})
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	daa, tip, err := c.VirtualTip(context.Background())
	if err != nil {
		t.Fatalf("VirtualTip: %v", err)
	}
	if daa != 9001 {
		t.Errorf("daa = %d, want 9001", daa)
	}
	if tip != tipHash {
		t.Errorf("tip = %s, want first tip hash normalized", tip)
	}
}

func TestVirtualTipRejectsMalformedHash(t *testing.T) {
	var calls int
	srv := newTestServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		calls++
		if calls == 1 {
			return BlockDagInfo{VirtualDaaScore: 1, TipHashes: []string{"aa"}}, nil
		}
		return BlockDagInfo{VirtualDaaScore: 2, TipHashes: []string{"not-hex"}}, nil
	})
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, _, err := c.VirtualTip(context.Background()); err == nil {
		t.Fatal("expected error for non-hex tip hash")
	}
}

func TestSubmitTransactionRPCError(t *testing.T) {
	srv := newTestServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		if method == "getBlockDagInfo" {
			return BlockDagInfo{}, nil
		}
		return nil, &RPCError{Code: -32600, Message: "orphan transaction"}
	})
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.SubmitTransaction(context.Background(), json.RawMessage(`{}`))
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Code != -32600 {
		t.Errorf("code = %d, want -32600", rpcErr.Code)
	}
}

func TestWaitForConnection(t *testing.T) {
	srv := newTestServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		return BlockDagInfo{}, nil
	})
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	// Already connected: returns immediately.
	if err := c.WaitForConnection(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("WaitForConnection while connected: %v", err)
	}

	// Disconnected: waiter is released when the state flips back.
	c.setConnected(false)
	done := make(chan error, 1)
	go func() { done <- c.WaitForConnection(context.Background(), time.Second) }()
	time.Sleep(20 * time.Millisecond)
	c.setConnected(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForConnection after reconnect: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never released")
	}

	// Timeout path.
	c.setConnected(false)
	if err := c.WaitForConnection(context.Background(), 20*time.Millisecond); err == nil {
		t.Error("expected timeout error while disconnected")
	}
}
