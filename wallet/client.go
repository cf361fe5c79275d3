package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultTimeout = 5 * time.Second

// methodNotFoundCode is the JSON-RPC error code the wallet returns for
// unknown methods. Probing relies on it to classify capability.
const methodNotFoundCode = -32601

// ErrorKind classifies a failed wallet call so callers can distinguish an
// unsupported method from a transport fault or a malformed reply.
type ErrorKind string

const (
	ErrorKindRPC             ErrorKind = "rpc"
	ErrorKindHTTP            ErrorKind = "http"
	ErrorKindInvalidResponse ErrorKind = "invalid-response"
)

// CallError carries the upstream failure detail for a single wallet call.
type CallError struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("wallet rpc %s error %d: %s", e.Kind, e.Code, e.Message)
}

// IsMethodNotFound reports whether err is the wallet telling us the method
// does not exist, as opposed to a genuine failure.
func IsMethodNotFound(err error) bool {
	var callErr *CallError
	if !errors.As(err, &callErr) {
		return false
	}
	return callErr.Kind == ErrorKindRPC && callErr.Code == methodNotFoundCode
}

// CallRecorder observes completed wallet calls. Used to feed metrics without
// coupling the client to a registry.
type CallRecorder func(method string, err error)

// Config captures the connection settings for a Monero wallet-rpc endpoint.
type Config struct {
	Origin   string
	Username string
	Password string
	Timeout  time.Duration
	HTTP     *http.Client
	Recorder CallRecorder
}

// Client is a typed JSON-RPC client for monero-wallet-rpc. It is stateless
// per call aside from the configured origin and credentials and may be shared
// across goroutines. The client never retries; retry policy belongs to
// callers, which the escrow engine's idempotent operations rely on.
type Client struct {
	origin   string
	username string
	password string
	http     *http.Client
	recorder CallRecorder
	nextID   atomic.Int64
}

// NewClient builds a wallet client. The origin is required; trailing slashes
// are stripped so the /json_rpc suffix composes cleanly.
func NewClient(cfg Config) (*Client, error) {
	origin := strings.TrimRight(strings.TrimSpace(cfg.Origin), "/")
	if origin == "" {
		return nil, errors.New("wallet: rpc origin is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		origin:   origin,
		username: strings.TrimSpace(cfg.Username),
		password: strings.TrimSpace(cfg.Password),
		http:     httpClient,
		recorder: cfg.Recorder,
	}, nil
}

// Origin exposes the configured endpoint for diagnostics.
func (c *Client) Origin() string { return c.origin }

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	err := c.doCall(ctx, method, params, out)
	if c.recorder != nil {
		c.recorder(method, err)
	}
	return err
}

func (c *Client) doCall(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin+"/json_rpc", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" && c.password != "" {
		raw := c.username + ":" + c.password
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &CallError{Kind: ErrorKindHTTP, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("%s failed: status=%d", method, resp.StatusCode)
		if len(body) > 0 {
			msg += " body=" + string(body)
		}
		return &CallError{Kind: ErrorKindHTTP, Code: resp.StatusCode, Message: msg}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &CallError{Kind: ErrorKindInvalidResponse, Message: fmt.Sprintf("%s: decode response: %v", method, err)}
	}
	if rpcResp.JSONRPC != "2.0" {
		return &CallError{Kind: ErrorKindInvalidResponse, Message: method + ": not a JSON-RPC 2.0 response"}
	}
	if rpcResp.Error != nil {
		return &CallError{Kind: ErrorKindRPC, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return &CallError{Kind: ErrorKindInvalidResponse, Message: method + ": empty result"}
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return &CallError{Kind: ErrorKindInvalidResponse, Message: fmt.Sprintf("%s: decode result: %v", method, err)}
	}
	return nil
}

// GetVersion returns the wallet's reported RPC version.
func (c *Client) GetVersion(ctx context.Context) (uint64, error) {
	var result struct {
		Version uint64 `json:"version"`
	}
	if err := c.call(ctx, "get_version", struct{}{}, &result); err != nil {
		return 0, err
	}
	return result.Version, nil
}

// CreatedAddress is the outcome of allocating a fresh subaddress.
type CreatedAddress struct {
	Address      string
	AddressIndex uint32
}

// CreateAddress allocates a new subaddress under the given account.
func (c *Client) CreateAddress(ctx context.Context, accountIndex uint32, label string) (CreatedAddress, error) {
	params := map[string]interface{}{"account_index": accountIndex, "label": label}
	var result struct {
		Address      string `json:"address"`
		AddressIndex uint32 `json:"address_index"`
	}
	if err := c.call(ctx, "create_address", params, &result); err != nil {
		return CreatedAddress{}, err
	}
	if strings.TrimSpace(result.Address) == "" {
		return CreatedAddress{}, &CallError{Kind: ErrorKindInvalidResponse, Message: "create_address returned empty address"}
	}
	return CreatedAddress{Address: result.Address, AddressIndex: result.AddressIndex}, nil
}

// SubaddressEntry describes one derived address within an account.
type SubaddressEntry struct {
	Address      string
	AddressIndex uint32
	Label        string
}

// AccountAddress bundles the primary address with its subaddress entries.
type AccountAddress struct {
	Address   string
	Addresses []SubaddressEntry
}

// GetAddress fetches the account's primary address and subaddress list,
// dropping entries with a missing address.
func (c *Client) GetAddress(ctx context.Context, accountIndex uint32) (AccountAddress, error) {
	params := map[string]interface{}{"account_index": accountIndex}
	var result struct {
		Address   string `json:"address"`
		Addresses []struct {
			Address      string `json:"address"`
			AddressIndex uint32 `json:"address_index"`
			Label        string `json:"label"`
		} `json:"addresses"`
	}
	if err := c.call(ctx, "get_address", params, &result); err != nil {
		return AccountAddress{}, err
	}
	if strings.TrimSpace(result.Address) == "" {
		return AccountAddress{}, &CallError{Kind: ErrorKindInvalidResponse, Message: "get_address returned empty address"}
	}
	out := AccountAddress{Address: result.Address}
	for _, entry := range result.Addresses {
		if strings.TrimSpace(entry.Address) == "" {
			continue
		}
		out.Addresses = append(out.Addresses, SubaddressEntry{
			Address:      entry.Address,
			AddressIndex: entry.AddressIndex,
			Label:        strings.TrimSpace(entry.Label),
		})
	}
	return out, nil
}

// Refresh asks the wallet to resync with the daemon. Callers treat this as a
// best-effort pre-step and typically swallow the error.
func (c *Client) Refresh(ctx context.Context) error {
	return c.call(ctx, "refresh", struct{}{}, nil)
}

// SubaddressBalance is the per-subaddress slice of a balance query.
type SubaddressBalance struct {
	AddressIndex   uint32
	BalanceAtomic  *big.Int
	UnlockedAtomic *big.Int
}

// Balance is a normalized get_balance result. Amounts are atomic units.
type Balance struct {
	BalanceAtomic  *big.Int
	UnlockedAtomic *big.Int
	PerSubaddress  []SubaddressBalance
}

// GetBalance fetches the balance for an account, optionally restricted to
// specific subaddress indices.
func (c *Client) GetBalance(ctx context.Context, accountIndex uint32, addressIndices []uint32) (Balance, error) {
	params := map[string]interface{}{"account_index": accountIndex}
	if len(addressIndices) > 0 {
		seen := make(map[uint32]struct{}, len(addressIndices))
		unique := make([]uint32, 0, len(addressIndices))
		for _, idx := range addressIndices {
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			unique = append(unique, idx)
		}
		params["address_indices"] = unique
	}
	var result struct {
		Balance         json.RawMessage `json:"balance"`
		UnlockedBalance json.RawMessage `json:"unlocked_balance"`
		PerSubaddress   []struct {
			AddressIndex    uint32          `json:"address_index"`
			Balance         json.RawMessage `json:"balance"`
			UnlockedBalance json.RawMessage `json:"unlocked_balance"`
		} `json:"per_subaddress"`
	}
	if err := c.call(ctx, "get_balance", params, &result); err != nil {
		return Balance{}, err
	}
	out := Balance{
		BalanceAtomic:  parseAtomicOrZero(result.Balance),
		UnlockedAtomic: parseAtomicOrZero(result.UnlockedBalance),
	}
	for _, entry := range result.PerSubaddress {
		out.PerSubaddress = append(out.PerSubaddress, SubaddressBalance{
			AddressIndex:   entry.AddressIndex,
			BalanceAtomic:  parseAtomicOrZero(entry.Balance),
			UnlockedAtomic: parseAtomicOrZero(entry.UnlockedBalance),
		})
	}
	return out, nil
}

// SweepResult reports the transactions produced by a sweep and the summed
// amount moved across all of them.
type SweepResult struct {
	Txids        []string
	AmountAtomic *big.Int
}

// SweepAll moves the full balance of one subaddress to the destination
// address. The wallet may split the sweep into several transactions; amounts
// are summed exactly.
func (c *Client) SweepAll(ctx context.Context, accountIndex, addressIndex uint32, destination string) (SweepResult, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return SweepResult{}, errors.New("wallet: sweep_all requires a destination address")
	}
	params := map[string]interface{}{
		"account_index":   accountIndex,
		"subaddr_indices": []uint32{addressIndex},
		"address":         destination,
	}
	var result struct {
		TxHashList []string          `json:"tx_hash_list"`
		AmountList []json.RawMessage `json:"amount_list"`
	}
	if err := c.call(ctx, "sweep_all", params, &result); err != nil {
		return SweepResult{}, err
	}
	total := big.NewInt(0)
	for _, raw := range result.AmountList {
		if amt, ok := parseAtomic(raw); ok {
			total.Add(total, amt)
		}
	}
	txids := make([]string, 0, len(result.TxHashList))
	for _, txid := range result.TxHashList {
		if strings.TrimSpace(txid) != "" {
			txids = append(txids, txid)
		}
	}
	return SweepResult{Txids: txids, AmountAtomic: total}, nil
}
