// Package payment turns raw wallet transfer lists into confirmation-gated
// tip and stake views. Results are derived on every query and never stored.
package payment

import (
	"context"
	"math/big"
	"time"

	"github.com/3KD/dStream-sub001/wallet"
)

// TransferSource is the slice of the wallet client the matcher needs.
type TransferSource interface {
	Refresh(ctx context.Context) error
	GetIncomingTransfers(ctx context.Context) ([]wallet.IncomingTransfer, error)
}

// TipMatch is the authoritative latest inbound payment for a tip subaddress.
type TipMatch struct {
	AmountAtomic  *big.Int
	Confirmations uint64
	Confirmed     bool
	ObservedAtMs  int64
	Txid          string
}

// StakeTotals aggregates all unspent transfers for a stake subaddress.
type StakeTotals struct {
	TotalAtomic      *big.Int
	ConfirmedAtomic  *big.Int
	TransferCount    int
	LastObservedAtMs int64
	LastTxid         string
}

// FindLatestIncomingTip selects the most recent transfer for the subaddress
// and reports whether it has reached the required confirmation depth. A
// refresh is attempted first but its failure is not fatal; the wallet can
// lag transfer visibility without one. Returns nil when nothing matched.
func FindLatestIncomingTip(ctx context.Context, src TransferSource, accountIndex, addressIndex uint32, confirmationsRequired uint64) (*TipMatch, error) {
	_ = src.Refresh(ctx)

	incoming, err := src.GetIncomingTransfers(ctx)
	if err != nil {
		return nil, err
	}
	matches := filterSubaddress(incoming, accountIndex, addressIndex, false)
	latest := pickLatest(matches)
	if latest == nil {
		return nil, nil
	}
	return &TipMatch{
		AmountAtomic:  latest.AmountAtomic,
		Confirmations: latest.Confirmations,
		Confirmed:     latest.Confirmations >= confirmationsRequired,
		ObservedAtMs:  observedAtMs(latest),
		Txid:          latest.Txid,
	}, nil
}

// GetStakeTotals sums all unspent transfers for the subaddress, splitting
// the total by confirmation depth. Summation is exact to the atomic unit.
func GetStakeTotals(ctx context.Context, src TransferSource, accountIndex, addressIndex uint32, confirmationsRequired uint64) (StakeTotals, error) {
	incoming, err := src.GetIncomingTransfers(ctx)
	if err != nil {
		return StakeTotals{}, err
	}
	matches := filterSubaddress(incoming, accountIndex, addressIndex, true)

	total := big.NewInt(0)
	confirmed := big.NewInt(0)
	for _, t := range matches {
		if t.AmountAtomic == nil || t.AmountAtomic.Sign() < 0 {
			continue
		}
		total.Add(total, t.AmountAtomic)
		if t.Confirmations >= confirmationsRequired {
			confirmed.Add(confirmed, t.AmountAtomic)
		}
	}

	totals := StakeTotals{
		TotalAtomic:     total,
		ConfirmedAtomic: confirmed,
		TransferCount:   len(matches),
	}
	if latest := pickLatest(matches); latest != nil {
		totals.LastObservedAtMs = observedAtMs(latest)
		totals.LastTxid = latest.Txid
	}
	return totals, nil
}

func filterSubaddress(transfers []wallet.IncomingTransfer, accountIndex, addressIndex uint32, dropSpent bool) []wallet.IncomingTransfer {
	matches := make([]wallet.IncomingTransfer, 0, len(transfers))
	for _, t := range transfers {
		if t.SubaddrIndex.Major != accountIndex || t.SubaddrIndex.Minor != addressIndex {
			continue
		}
		if dropSpent && t.Spent {
			continue
		}
		matches = append(matches, t)
	}
	return matches
}

// pickLatest orders by timestamp, then by amount magnitude. The amount
// tie-break compares decimal digit strings: more digits wins, equal lengths
// compare lexicographically, which is correct for non-negative decimals.
func pickLatest(transfers []wallet.IncomingTransfer) *wallet.IncomingTransfer {
	var best *wallet.IncomingTransfer
	for i := range transfers {
		t := &transfers[i]
		if best == nil {
			best = t
			continue
		}
		if t.TimestampSec != best.TimestampSec {
			if t.TimestampSec > best.TimestampSec {
				best = t
			}
			continue
		}
		a, b := t.AmountAtomic.String(), best.AmountAtomic.String()
		if len(a) != len(b) {
			if len(a) > len(b) {
				best = t
			}
			continue
		}
		if a > b {
			best = t
		}
	}
	return best
}

func observedAtMs(t *wallet.IncomingTransfer) int64 {
	if t.TimestampSec > 0 {
		return t.TimestampSec * 1000
	}
	return time.Now().UnixMilli()
}
