package payment

import (
	"math/big"
	"sort"

	"github.com/3KD/dStream-sub001/wallet"
)

// SubaddressTotals aggregates the transfers of one subaddress inside a label
// group, split by confirmation depth.
type SubaddressTotals struct {
	AddressIndex     uint32
	TransferCount    int
	TotalAtomic      *big.Int
	ConfirmedAtomic  *big.Int
	ConfirmationsMax uint64
	LastObservedAtMs int64
	LastTxid         string
}

// GroupBySubaddress folds transfers for the given subaddress set into
// per-index totals, most recently observed first. Spent outputs are dropped
// when dropSpent is set; stake views exclude them, tip views keep them.
func GroupBySubaddress(transfers []wallet.IncomingTransfer, accountIndex uint32, indices map[uint32]bool, confirmationsRequired uint64, dropSpent bool) []SubaddressTotals {
	byIndex := make(map[uint32]*SubaddressTotals)
	for i := range transfers {
		t := &transfers[i]
		if t.SubaddrIndex.Major != accountIndex || !indices[t.SubaddrIndex.Minor] {
			continue
		}
		if dropSpent && t.Spent {
			continue
		}
		if t.AmountAtomic == nil || t.AmountAtomic.Sign() < 0 {
			continue
		}
		entry := byIndex[t.SubaddrIndex.Minor]
		if entry == nil {
			entry = &SubaddressTotals{
				AddressIndex:    t.SubaddrIndex.Minor,
				TotalAtomic:     big.NewInt(0),
				ConfirmedAtomic: big.NewInt(0),
			}
			byIndex[t.SubaddrIndex.Minor] = entry
		}
		entry.TransferCount++
		entry.TotalAtomic.Add(entry.TotalAtomic, t.AmountAtomic)
		if t.Confirmations >= confirmationsRequired {
			entry.ConfirmedAtomic.Add(entry.ConfirmedAtomic, t.AmountAtomic)
		}
		if t.Confirmations > entry.ConfirmationsMax {
			entry.ConfirmationsMax = t.Confirmations
		}
		if observed := observedAtMs(t); observed >= entry.LastObservedAtMs {
			entry.LastObservedAtMs = observed
			if t.Txid != "" {
				entry.LastTxid = t.Txid
			}
		}
	}

	groups := make([]SubaddressTotals, 0, len(byIndex))
	for _, entry := range byIndex {
		groups = append(groups, *entry)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].LastObservedAtMs != groups[j].LastObservedAtMs {
			return groups[i].LastObservedAtMs > groups[j].LastObservedAtMs
		}
		return groups[i].AddressIndex < groups[j].AddressIndex
	})
	return groups
}
