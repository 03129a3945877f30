// Package kaspa is the JSON-RPC client for the kaspad node. It covers
// exactly the operations the engine consumes: UTXO queries by address,
// transaction submission, and the virtual DAG tip. Connection state is
// tracked so callers can gate on IsConnected / WaitForConnection.
package kaspa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/kasplay/roulette-engine/pkg/models"
)

// Config holds the node endpoint. Basic auth is optional; public nodes
// usually run without it.
type Config struct {
	URL  string
	User string
	Pass string
}

// Client talks JSON-RPC 1.0 over HTTP POST to kaspad.
type Client struct {
	cfg        Config
	httpClient *http.Client
	reqID      atomic.Int64
	connected  atomic.Bool

	mu      sync.Mutex
	waiters []chan struct{}
}

// BlockDagInfo is the subset of getBlockDagInfo the engine reads.
type BlockDagInfo struct {
	VirtualDaaScore  uint64   `json:"virtualDaaScore"`
	TipHashes        []string `json:"tipHashes"`
	PruningPointHash string   `json:"pruningPointHash"`
}

// NewClient dials the node and verifies it answers getBlockDagInfo
// before returning, mirroring how the engine refuses to start blind.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	log.Printf("[kaspa] connecting to node at %s...", cfg.URL)
	info, err := c.GetBlockDagInfo(context.Background())
	if err != nil {
		return nil, fmt.Errorf("kaspa: initial connection check: %w", err)
	}
	log.Printf("[kaspa] connected, virtual DAA score %d", info.VirtualDaaScore)
	c.setConnected(true)
	return c, nil
}

// Run keeps the connection state fresh: a periodic getBlockDagInfo ping
// with capped backoff on failure. Retries forever until ctx is done.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if _, err := c.GetBlockDagInfo(ctx); err != nil {
			if c.connected.Load() {
				log.Printf("[kaspa] node unreachable: %v", err)
			}
			c.setConnected(false)
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		if !c.connected.Load() {
			log.Printf("[kaspa] node connection restored")
		}
		c.setConnected(true)
		backoff = time.Second
	}
}

// IsConnected reports the last observed connection state.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// WaitForConnection blocks until the node is reachable or the timeout
// elapses.
func (c *Client) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if c.connected.Load() {
		return nil
	}
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("kaspa: node not connected after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) setConnected(up bool) {
	was := c.connected.Swap(up)
	if up && !was {
		c.mu.Lock()
		for _, ch := range c.waiters {
			close(ch)
		}
		c.waiters = nil
		c.mu.Unlock()
	}
}

// GetBlockDagInfo returns the current virtual tip view.
func (c *Client) GetBlockDagInfo(ctx context.Context) (*BlockDagInfo, error) {
	var info BlockDagInfo
	if err := c.call(ctx, "getBlockDagInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// VirtualTip returns the virtual DAA score and the first tip hash,
// validated and normalized to canonical lowercase hex. The state
// machine pins LOCK and settlement against this view.
func (c *Client) VirtualTip(ctx context.Context) (uint64, string, error) {
	info, err := c.GetBlockDagInfo(ctx)
	if err != nil {
		return 0, "", err
	}
	if len(info.TipHashes) == 0 {
		return 0, "", fmt.Errorf("kaspa: node reported no tip hashes")
	}
	h, err := chainhash.NewHashFromStr(info.TipHashes[0])
	if err != nil {
		return 0, "", fmt.Errorf("kaspa: malformed tip hash %q: %w", info.TipHashes[0], err)
	}
	return info.VirtualDaaScore, h.String(), nil
}

// GetUtxosByAddresses returns every unspent output at the given
// addresses. Amounts are integer sompi.
func (c *Client) GetUtxosByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error) {
	param, err := json.Marshal(addresses)
	if err != nil {
		return nil, err
	}

	// Node shape: entries carry the owning address, the outpoint, and
	// the utxo amount as a decimal string.
	var entries []struct {
		Address  string `json:"address"`
		Outpoint struct {
			TransactionID string `json:"transactionId"`
			Index         uint32 `json:"index"`
		} `json:"outpoint"`
		UtxoEntry struct {
			Amount json.Number `json:"amount"`
		} `json:"utxoEntry"`
	}
	if err := c.call(ctx, "getUtxosByAddresses", []json.RawMessage{param}, &entries); err != nil {
		return nil, err
	}

	utxos := make([]models.UTXO, 0, len(entries))
	for _, e := range entries {
		amount, err := e.UtxoEntry.Amount.Int64()
		if err != nil {
			return nil, fmt.Errorf("kaspa: bad utxo amount %q: %w", e.UtxoEntry.Amount, err)
		}
		utxos = append(utxos, models.UTXO{
			Amount:        amount,
			TransactionID: e.Outpoint.TransactionID,
			Index:         e.Outpoint.Index,
		})
	}
	return utxos, nil
}

// SubmitTransaction broadcasts a signed transaction and returns its id.
func (c *Client) SubmitTransaction(ctx context.Context, tx json.RawMessage) (string, error) {
	var res struct {
		TransactionID string `json:"transactionId"`
	}
	if err := c.call(ctx, "submitTransaction", []json.RawMessage{tx}, &res); err != nil {
		return "", err
	}
	return res.TransactionID, nil
}

type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int64             `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RPCError is a node-side rejection (as opposed to a transport error).
// Callers use it to distinguish terminal failures from transient ones.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

func (c *Client) call(ctx context.Context, method string, params []json.RawMessage, out interface{}) error {
	if params == nil {
		params = []json.RawMessage{}
	}
	reqBody, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "1.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.User != "" {
		httpReq.SetBasicAuth(c.cfg.User, c.cfg.Pass)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", method, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("%s: unmarshal rpc response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}
