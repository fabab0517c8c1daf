package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// RPCClient talks JSON-RPC over websocket to the contract gateway — the
// signing sidecar that holds the moderator wallet and relays calls to the
// insurance contract. One connection carries both request/response calls and
// the event subscription.
type RPCClient struct {
	conn    *websocket.Conn
	address string // contract address, included in every call

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan rpcResponse
	events  chan Event
	closed  bool
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("chain: rpc error %d: %s", e.Code, e.Message)
}

// DialRPC connects to the gateway websocket endpoint and starts the read
// loop. contractAddress identifies the insurance contract instance.
func DialRPC(ctx context.Context, url, contractAddress string) (*RPCClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}

	c := &RPCClient{
		conn:    conn,
		address: strings.ToLower(contractAddress),
		pending: make(map[uint64]chan rpcResponse),
		events:  make(chan Event, 64),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection; in-flight calls fail and the event
// channel closes.
func (c *RPCClient) Close() error {
	return c.conn.Close()
}

func (c *RPCClient) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		close(c.events)
		c.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			slog.Error("chain rpc connection lost", "err", err)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("chain rpc unparseable frame", "err", err)
			continue
		}

		// Subscription notification.
		if resp.Method == "contract_event" {
			c.handleNotification(resp.Params)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

type eventNotification struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	TxHash  string `json:"txhash"`
	Data    string `json:"data"`
}

func (c *RPCClient) handleNotification(params json.RawMessage) {
	var n eventNotification
	if err := json.Unmarshal(params, &n); err != nil {
		slog.Warn("chain event unparseable", "err", err)
		return
	}
	ev, err := decodeEvent(n.ID, n.Address, n.TxHash, n.Data)
	if err != nil {
		slog.Warn("chain event undecodable", "id", n.ID, "err", err)
		return
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("chain event buffer full, dropping", "id", ev.ID, "type", ev.Type.String())
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("chain: connection closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("chain: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("chain: connection closed during %s", method)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	}
}

type callParams struct {
	Contract string `json:"contract"`
	Method   string `json:"method"`
	Args     []any  `json:"args"`
}

type callResult struct {
	TxHash string `json:"txhash"`
}

// transact submits one contract call and returns its transaction hash.
func (c *RPCClient) transact(ctx context.Context, method string, args ...any) (string, error) {
	var res callResult
	err := c.call(ctx, "contract_call", callParams{
		Contract: c.address,
		Method:   method,
		Args:     args,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

func (c *RPCClient) UpdateAvailableInsurance(ctx context.Context, id string, qClaim decimal.Decimal, expiredAt int64) (string, error) {
	// q_claim crosses the boundary as a wei string.
	wei := qClaim.Shift(18).Truncate(0).String()
	return c.transact(ctx, "updateAvailableInsurance", id, wei, expiredAt)
}

func (c *RPCClient) UpdateInvalidInsurance(ctx context.Context, id string) (string, error) {
	return c.transact(ctx, "updateInvalidInsurance", id)
}

func (c *RPCClient) Cancel(ctx context.Context, id string) (string, error) {
	return c.transact(ctx, "cancel", id)
}

func (c *RPCClient) Claim(ctx context.Context, id string) (string, error) {
	return c.transact(ctx, "claim", id)
}

func (c *RPCClient) Refund(ctx context.Context, id string) (string, error) {
	return c.transact(ctx, "refund", id)
}

func (c *RPCClient) Liquidate(ctx context.Context, id string) (string, error) {
	return c.transact(ctx, "liquidate", id)
}

func (c *RPCClient) Expire(ctx context.Context, id string) (string, error) {
	return c.transact(ctx, "expire", id)
}

type readResult struct {
	Address string `json:"address"`
	Data    string `json:"data"` // unit, margin, q_claim, state words
}

const zeroAddress = "0x0000000000000000000000000000000000000000"

func (c *RPCClient) ReadInsurance(ctx context.Context, id string) (*Insurance, error) {
	var res readResult
	err := c.call(ctx, "contract_read", callParams{
		Contract: c.address,
		Method:   "readInsurance",
		Args:     []any{id},
	}, &res)
	if err != nil {
		return nil, err
	}

	addr := strings.ToLower(res.Address)
	if addr == "" || addr == zeroAddress {
		return nil, nil
	}

	words, err := decodeWords(res.Data, 4)
	if err != nil {
		return nil, err
	}

	state := ""
	if idx := int(words[3].Int64()); idx >= 0 && idx < len(ContractStates) {
		state = ContractStates[idx]
	}

	return &Insurance{
		Address: addr,
		Unit:    UnitName(int(words[0].Int64())),
		Margin:  weiToDecimal(words[1]),
		QClaim:  weiToDecimal(words[2]),
		State:   state,
	}, nil
}

// Subscribe registers the event subscription on the gateway and returns the
// decoded stream. Call once at startup.
func (c *RPCClient) Subscribe(ctx context.Context) (<-chan Event, error) {
	var subID string
	if err := c.call(ctx, "contract_subscribe", callParams{
		Contract: c.address,
		Method:   "EInsurance",
	}, &subID); err != nil {
		return nil, err
	}
	slog.Info("chain event subscription active", "subscription", subID)
	return c.events, nil
}

// Ping keeps proxies from idling out the connection.
func (c *RPCClient) Ping(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
