package gateway

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/3KD/dStream-sub001/gateway/auth"
	"github.com/3KD/dStream-sub001/payment"
	"github.com/3KD/dStream-sub001/session"
)

// streamScope validates the stream identity fields shared by the settlement
// and listing requests, writing the 400 itself on failure.
func (s *Server) streamScope(w http.ResponseWriter, streamPubkey, streamID string) (string, string, bool) {
	pk := strings.ToLower(strings.TrimSpace(streamPubkey))
	id := strings.TrimSpace(streamID)
	if !session.IsHex64(pk) {
		s.writeError(w, http.StatusBadRequest, "streamPubkey must be a 64-character hex identifier")
		return "", "", false
	}
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "streamId is required")
		return "", "", false
	}
	return pk, id, true
}

// unlockedBalance reads the spendable balance of one subaddress.
func (s *Server) unlockedBalance(ctx context.Context, accountIndex, addressIndex uint32) (*big.Int, error) {
	balance, err := s.wallet.GetBalance(ctx, accountIndex, []uint32{addressIndex})
	if err != nil {
		return nil, err
	}
	for _, sub := range balance.PerSubaddress {
		if sub.AddressIndex == addressIndex && sub.UnlockedAtomic != nil {
			return sub.UnlockedAtomic, nil
		}
	}
	return big.NewInt(0), nil
}

type slashRequest struct {
	StreamPubkey       string  `json:"streamPubkey"`
	StreamID           string  `json:"streamId"`
	AddressIndex       *uint32 `json:"addressIndex"`
	DestinationAddress string  `json:"destinationAddress"`
}

type slashResponse struct {
	OK                 bool     `json:"ok"`
	Action             string   `json:"action"`
	Settled            bool     `json:"settled"`
	Reason             string   `json:"reason,omitempty"`
	AmountAtomic       string   `json:"amountAtomic"`
	Txids              []string `json:"txids"`
	AddressIndex       uint32   `json:"addressIndex"`
	DestinationAddress string   `json:"destinationAddress,omitempty"`
	SlashMinAgeSec     int64    `json:"slashMinAgeSec"`
	LastObservedAtMs   *int64   `json:"lastObservedAtMs,omitempty"`
}

// SlashStake sweeps a stake subaddress back to the broadcaster after the
// quiet window has passed. Only the stream's own identity may slash, and a
// subaddress that saw a deposit more recently than the minimum age conflicts
// so a viewer cannot be slashed mid-top-up.
func (s *Server) SlashStake(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	var req slashRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	streamPubkey, _, ok := s.streamScope(w, req.StreamPubkey, req.StreamID)
	if !ok {
		return
	}
	if req.AddressIndex == nil {
		s.writeError(w, http.StatusBadRequest, "addressIndex is required")
		return
	}
	if principal.Pubkey != streamPubkey {
		s.writeError(w, http.StatusForbidden, "not authorized for stream")
		return
	}
	addressIndex := *req.AddressIndex

	incoming, err := s.wallet.GetIncomingTransfers(r.Context())
	if err != nil {
		s.logger.Error("slash transfer lookup failed", "addressIndex", addressIndex, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet transfer lookup failed")
		return
	}
	var lastTimestampSec int64
	for _, t := range incoming {
		if t.SubaddrIndex.Major == s.accountIndex && t.SubaddrIndex.Minor == addressIndex && t.TimestampSec > lastTimestampSec {
			lastTimestampSec = t.TimestampSec
		}
	}
	minAgeSec := int64(s.slashMinAge / time.Second)
	now := s.nowFn().Unix()
	if lastTimestampSec > 0 && now-lastTimestampSec < minAgeSec {
		wait := minAgeSec - (now - lastTimestampSec)
		s.audit(r, principal.Pubkey, "", "stake_slash", http.StatusConflict)
		s.writeError(w, http.StatusConflict, fmt.Sprintf("slash window not reached (wait %ds)", wait))
		return
	}

	resp := slashResponse{
		OK:             true,
		Action:         "slash",
		AmountAtomic:   "0",
		Txids:          []string{},
		AddressIndex:   addressIndex,
		SlashMinAgeSec: minAgeSec,
	}
	if lastTimestampSec > 0 {
		observed := lastTimestampSec * 1000
		resp.LastObservedAtMs = &observed
	}

	unlocked, err := s.unlockedBalance(r.Context(), s.accountIndex, addressIndex)
	if err != nil {
		s.logger.Error("slash balance lookup failed", "addressIndex", addressIndex, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet balance lookup failed")
		return
	}
	if unlocked.Sign() == 0 {
		resp.Reason = "no_unlocked_balance"
		s.audit(r, principal.Pubkey, "", "stake_slash", http.StatusOK)
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	destination := strings.TrimSpace(req.DestinationAddress)
	if destination == "" {
		account, err := s.wallet.GetAddress(r.Context(), s.accountIndex)
		if err != nil {
			s.logger.Error("slash address lookup failed", "error", err)
			s.writeError(w, http.StatusBadGateway, "wallet address lookup failed")
			return
		}
		destination = account.Address
	}
	if destination == "" {
		s.writeError(w, http.StatusBadGateway, "destination address unavailable")
		return
	}

	sweep, err := s.wallet.SweepAll(r.Context(), s.accountIndex, addressIndex, destination)
	if err != nil {
		s.logger.Error("slash sweep failed", "addressIndex", addressIndex, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet sweep failed")
		return
	}
	resp.Settled = true
	resp.AmountAtomic = sweep.AmountAtomic.String()
	resp.Txids = sweep.Txids
	resp.DestinationAddress = destination
	s.audit(r, principal.Pubkey, "", "stake_slash", http.StatusOK)
	s.writeJSON(w, http.StatusOK, resp)
}

type refundRequest struct {
	RefundAddress string       `json:"refundAddress"`
	Receipts      []auth.Event `json:"receipts"`
}

type refundResponse struct {
	OK                 bool     `json:"ok"`
	Action             string   `json:"action"`
	Settled            bool     `json:"settled"`
	Reason             string   `json:"reason,omitempty"`
	AmountAtomic       string   `json:"amountAtomic"`
	Txids              []string `json:"txids"`
	DestinationAddress string   `json:"destinationAddress,omitempty"`
	ServedBytes        int64    `json:"servedBytes"`
	CreditPercentBps   int      `json:"creditPercentBps"`
	AcceptedReceipts   int      `json:"acceptedReceipts"`
	RejectedReceipts   int      `json:"rejectedReceipts"`
}

// RefundStake sweeps a stake subaddress back to the viewer once their signed
// serving receipts clear the refund policy. The token names the subaddress;
// only the viewer it was minted for may claim the refund.
func (s *Server) RefundStake(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	payload := s.codec.Verify(token)
	if payload == nil || payload.Type != session.TypeStake {
		s.writeError(w, http.StatusBadRequest, "invalid session token")
		return
	}
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	if principal.Pubkey != payload.ViewerPubkey {
		s.writeError(w, http.StatusForbidden, "not authorized for session")
		return
	}

	var req refundRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	refundAddress := normalizeMoneroAddress(req.RefundAddress)
	if refundAddress == "" {
		s.writeError(w, http.StatusBadRequest, "invalid refundAddress")
		return
	}

	receipts := make([]payment.Receipt, 0, len(req.Receipts))
	for i := range req.Receipts {
		receipt, err := parseReceiptEvent(&req.Receipts[i], payload.StreamPubkey, payload.StreamID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid receipt: "+err.Error())
			return
		}
		receipts = append(receipts, receipt)
	}

	decision := payment.EvaluateRefund(receipts, payload.ViewerPubkey, token,
		payload.CreatedAtMs, s.nowFn().UnixMilli(), s.refundPolicy)
	if !decision.OK {
		s.audit(r, principal.Pubkey, "", "stake_refund", http.StatusForbidden)
		s.writeError(w, http.StatusForbidden, fmt.Sprintf(
			"refund threshold not met (servedBytes=%d, required=%d, reason=%s)",
			decision.ServedBytes, s.refundPolicy.MinServedBytes, decision.Reason))
		return
	}

	resp := refundResponse{
		OK:               true,
		Action:           "refund",
		AmountAtomic:     "0",
		Txids:            []string{},
		ServedBytes:      decision.ServedBytes,
		CreditPercentBps: decision.CreditPercentBps,
		AcceptedReceipts: decision.AcceptedReceipts,
		RejectedReceipts: decision.RejectedReceipts,
	}

	unlocked, err := s.unlockedBalance(r.Context(), payload.AccountIndex, payload.AddressIndex)
	if err != nil {
		s.logger.Error("refund balance lookup failed", "streamId", payload.StreamID, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet balance lookup failed")
		return
	}
	if unlocked.Sign() == 0 {
		resp.Reason = "no_unlocked_balance"
		s.audit(r, principal.Pubkey, "", "stake_refund", http.StatusOK)
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	sweep, err := s.wallet.SweepAll(r.Context(), payload.AccountIndex, payload.AddressIndex, refundAddress)
	if err != nil {
		s.logger.Error("refund sweep failed", "streamId", payload.StreamID, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet sweep failed")
		return
	}
	resp.Settled = true
	resp.AmountAtomic = sweep.AmountAtomic.String()
	resp.Txids = sweep.Txids
	resp.DestinationAddress = refundAddress
	s.audit(r, principal.Pubkey, "", "stake_refund", http.StatusOK)
	s.writeJSON(w, http.StatusOK, resp)
}

// normalizeMoneroAddress accepts any plausible base58 wallet address and
// rejects everything else. Real validity is the wallet daemon's call.
func normalizeMoneroAddress(input string) string {
	address := strings.TrimSpace(input)
	if len(address) < 20 {
		return ""
	}
	for _, r := range address {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return ""
		}
	}
	return address
}

type listRequest struct {
	StreamPubkey string `json:"streamPubkey"`
	StreamID     string `json:"streamId"`
}

type listGroup struct {
	AddressIndex     uint32 `json:"addressIndex"`
	TransferCount    int    `json:"transferCount"`
	TotalAtomic      string `json:"totalAtomic"`
	ConfirmedAtomic  string `json:"confirmedAtomic"`
	ConfirmationsMax uint64 `json:"confirmationsMax"`
	LastObservedAtMs int64  `json:"lastObservedAtMs,omitempty"`
	LastTxid         string `json:"lastTxid,omitempty"`
}

type listTotals struct {
	GroupCount      int    `json:"groupCount"`
	TransferCount   int    `json:"transferCount"`
	TotalAtomic     string `json:"totalAtomic"`
	ConfirmedAtomic string `json:"confirmedAtomic"`
}

type listResponse struct {
	OK                    bool        `json:"ok"`
	Groups                []listGroup `json:"groups"`
	ConfirmationsRequired uint64      `json:"confirmationsRequired"`
	Totals                listTotals  `json:"totals"`
}

// ListTips enumerates the stream's tip subaddresses by label and reports
// per-subaddress totals. Broadcaster only.
func (s *Server) ListTips(w http.ResponseWriter, r *http.Request) {
	s.listByLabel(w, r, session.TipLabel, false)
}

// ListStakes is the stake-side counterpart of ListTips; spent outputs are
// excluded because a slashed or refunded stake no longer counts.
func (s *Server) ListStakes(w http.ResponseWriter, r *http.Request) {
	s.listByLabel(w, r, session.StakeLabel, true)
}

func (s *Server) listByLabel(w http.ResponseWriter, r *http.Request, label func(pk, id, nonce string) string, dropSpent bool) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	var req listRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	streamPubkey, streamID, ok := s.streamScope(w, req.StreamPubkey, req.StreamID)
	if !ok {
		return
	}
	if principal.Pubkey != streamPubkey {
		s.writeError(w, http.StatusForbidden, "not authorized for stream")
		return
	}
	labelPrefix := label(streamPubkey, streamID, "")

	account, err := s.wallet.GetAddress(r.Context(), s.accountIndex)
	if err != nil {
		s.logger.Error("list address lookup failed", "streamId", streamID, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet address lookup failed")
		return
	}
	indices := make(map[uint32]bool)
	for _, entry := range account.Addresses {
		if entry.Label != "" && strings.HasPrefix(entry.Label, labelPrefix) {
			indices[entry.AddressIndex] = true
		}
	}

	resp := listResponse{
		OK:                    true,
		Groups:                []listGroup{},
		ConfirmationsRequired: s.confirmations,
		Totals:                listTotals{TotalAtomic: "0", ConfirmedAtomic: "0"},
	}
	if len(indices) == 0 {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	incoming, err := s.wallet.GetIncomingTransfers(r.Context())
	if err != nil {
		s.logger.Error("list transfer lookup failed", "streamId", streamID, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet transfer lookup failed")
		return
	}
	groups := payment.GroupBySubaddress(incoming, s.accountIndex, indices, s.confirmations, dropSpent)

	total := big.NewInt(0)
	confirmed := big.NewInt(0)
	for _, g := range groups {
		resp.Groups = append(resp.Groups, listGroup{
			AddressIndex:     g.AddressIndex,
			TransferCount:    g.TransferCount,
			TotalAtomic:      g.TotalAtomic.String(),
			ConfirmedAtomic:  g.ConfirmedAtomic.String(),
			ConfirmationsMax: g.ConfirmationsMax,
			LastObservedAtMs: g.LastObservedAtMs,
			LastTxid:         g.LastTxid,
		})
		total.Add(total, g.TotalAtomic)
		confirmed.Add(confirmed, g.ConfirmedAtomic)
		resp.Totals.TransferCount += g.TransferCount
	}
	resp.Totals.GroupCount = len(groups)
	resp.Totals.TotalAtomic = total.String()
	resp.Totals.ConfirmedAtomic = confirmed.String()
	s.writeJSON(w, http.StatusOK, resp)
}
