package wallet

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
)

// SubaddrIndex locates a subaddress as (account, address) indices. The wallet
// calls these major/minor on the wire.
type SubaddrIndex struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// IncomingTransfer is a normalized view of one wallet-reported inbound
// transfer. AmountAtomic is always non-nil and non-negative.
type IncomingTransfer struct {
	AmountAtomic  *big.Int
	Confirmations uint64
	SubaddrIndex  SubaddrIndex
	Txid          string
	TimestampSec  int64
	Spent         bool
}

type rawTransfer struct {
	Amount        json.RawMessage `json:"amount"`
	Confirmations uint64          `json:"confirmations"`
	SubaddrIndex  *SubaddrIndex   `json:"subaddr_index"`
	Txid          string          `json:"txid"`
	Timestamp     int64           `json:"timestamp"`
	Spent         bool            `json:"spent"`
}

// GetIncomingTransfers merges the wallet's confirmed, pending and pool
// transfer lists into a single normalized slice. Entries with a malformed
// amount or missing subaddress index are dropped rather than surfaced as
// errors; the matcher treats absence and malformation identically.
func (c *Client) GetIncomingTransfers(ctx context.Context) ([]IncomingTransfer, error) {
	params := map[string]interface{}{"in": true, "pending": true, "pool": true}
	var result struct {
		In      []rawTransfer `json:"in"`
		Pending []rawTransfer `json:"pending"`
		Pool    []rawTransfer `json:"pool"`
	}
	if err := c.call(ctx, "get_transfers", params, &result); err != nil {
		return nil, err
	}
	combined := make([]rawTransfer, 0, len(result.In)+len(result.Pending)+len(result.Pool))
	combined = append(combined, result.In...)
	combined = append(combined, result.Pending...)
	combined = append(combined, result.Pool...)

	transfers := make([]IncomingTransfer, 0, len(combined))
	for _, raw := range combined {
		amount, ok := parseAtomic(raw.Amount)
		if !ok || raw.SubaddrIndex == nil {
			continue
		}
		ts := raw.Timestamp
		if ts < 0 {
			ts = 0
		}
		transfers = append(transfers, IncomingTransfer{
			AmountAtomic:  amount,
			Confirmations: raw.Confirmations,
			SubaddrIndex:  *raw.SubaddrIndex,
			Txid:          strings.TrimSpace(raw.Txid),
			TimestampSec:  ts,
			Spent:         raw.Spent,
		})
	}
	return transfers, nil
}

// parseAtomic decodes an amount field that may arrive as a JSON number or a
// decimal digit string. Atomic units never fit reliably in a float64, so the
// raw token is parsed with math/big. Negative or fractional values fail.
func parseAtomic(raw json.RawMessage) (*big.Int, bool) {
	token := strings.TrimSpace(string(raw))
	if token == "" || token == "null" {
		return nil, false
	}
	token = strings.Trim(token, `"`)
	if token == "" {
		return nil, false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	value, ok := new(big.Int).SetString(token, 10)
	if !ok {
		return nil, false
	}
	return value, true
}

func parseAtomicOrZero(raw json.RawMessage) *big.Int {
	if value, ok := parseAtomic(raw); ok {
		return value
	}
	return big.NewInt(0)
}
