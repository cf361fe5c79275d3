package payment

import (
	"strconv"
	"strings"
	"time"
)

// Receipt is one peer-attested serving contribution offered as evidence for a
// stake refund. Receipts arrive as signed events; by the time they reach the
// policy the signature and stream scope have already been checked.
type Receipt struct {
	ID           string
	Pubkey       string
	FromPubkey   string
	SessionID    string
	ServedBytes  int64
	ObservedAtMs int64
	CreatedAtSec int64
}

// RefundPolicy bounds which receipts count toward a refund and how served
// bytes translate into credit.
type RefundPolicy struct {
	MinServedBytes           int64
	FullServedBytes          int64
	MaxReceipts              int
	MaxReceiptAge            time.Duration
	MaxServedBytesPerReceipt int64
	MinSessionAge            time.Duration

	// MaxFutureSkew tolerates clock drift between receipt publishers and
	// this service. Zero selects the default.
	MaxFutureSkew time.Duration
}

const defaultRefundFutureSkew = 45 * time.Second

// RefundDecision is the outcome of evaluating receipts against the policy.
// Reason is empty when OK.
type RefundDecision struct {
	OK               bool
	Reason           string
	ServedBytes      int64
	AcceptedReceipts int
	RejectedReceipts int
	CreditPercentBps int
}

// EvaluateRefund scores a viewer's serving receipts for one stake session.
// Each receipt must be self-attributed by the viewer, bound to the session
// token and inside the age window; duplicates count once. The credit fraction
// is served bytes over the full-credit threshold, in basis points.
func EvaluateRefund(receipts []Receipt, viewerPubkey, sessionToken string, sessionCreatedAtMs, nowMs int64, policy RefundPolicy) RefundDecision {
	futureSkewSec := int64(policy.MaxFutureSkew / time.Second)
	if policy.MaxFutureSkew <= 0 {
		futureSkewSec = int64(defaultRefundFutureSkew / time.Second)
	}
	minServed := policy.MinServedBytes
	if minServed < 0 {
		minServed = 0
	}
	fullServed := policy.FullServedBytes
	if fullServed < minServed {
		fullServed = minServed
	}
	maxReceipts := policy.MaxReceipts
	if maxReceipts < 1 {
		maxReceipts = 1
	}
	maxAgeSec := int64(policy.MaxReceiptAge / time.Second)
	if maxAgeSec < 0 {
		maxAgeSec = 0
	}
	maxPerReceipt := policy.MaxServedBytesPerReceipt
	if maxPerReceipt < 1 {
		maxPerReceipt = 1
	}
	minSessionAgeSec := int64(policy.MinSessionAge / time.Second)
	if minSessionAgeSec < 0 {
		minSessionAgeSec = 0
	}

	viewer := strings.ToLower(strings.TrimSpace(viewerPubkey))
	token := strings.TrimSpace(sessionToken)
	if viewer == "" || token == "" {
		return RefundDecision{Reason: "invalid_session_inputs"}
	}

	if nowMs < 0 {
		nowMs = 0
	}
	nowSec := nowMs / 1000
	sessionAgeSec := (nowMs - sessionCreatedAtMs) / 1000
	if sessionAgeSec < 0 {
		sessionAgeSec = 0
	}
	if sessionAgeSec < minSessionAgeSec {
		return RefundDecision{Reason: "session_too_new", RejectedReceipts: len(receipts)}
	}
	if len(receipts) > maxReceipts {
		return RefundDecision{Reason: "too_many_receipts", RejectedReceipts: len(receipts)}
	}

	seen := make(map[string]struct{}, len(receipts))
	decision := RefundDecision{}
	for _, receipt := range receipts {
		key := receiptDedupKey(receipt)
		if _, dup := seen[key]; dup {
			decision.RejectedReceipts++
			continue
		}
		seen[key] = struct{}{}

		if strings.ToLower(strings.TrimSpace(receipt.Pubkey)) != viewer ||
			strings.ToLower(strings.TrimSpace(receipt.FromPubkey)) != viewer {
			decision.RejectedReceipts++
			continue
		}
		if strings.TrimSpace(receipt.SessionID) != token {
			decision.RejectedReceipts++
			continue
		}
		drift := nowSec - receipt.CreatedAtSec
		if drift < 0 {
			drift = -drift
		}
		if drift > maxAgeSec+futureSkewSec {
			decision.RejectedReceipts++
			continue
		}
		if receipt.ObservedAtMs <= 0 {
			decision.RejectedReceipts++
			continue
		}
		if receipt.ObservedAtMs+maxAgeSec*1000 < nowMs {
			decision.RejectedReceipts++
			continue
		}
		if receipt.ObservedAtMs < sessionCreatedAtMs-futureSkewSec*1000 {
			decision.RejectedReceipts++
			continue
		}
		if receipt.ObservedAtMs > nowMs+futureSkewSec*1000 {
			decision.RejectedReceipts++
			continue
		}
		if receipt.ServedBytes < 0 || receipt.ServedBytes > maxPerReceipt {
			decision.RejectedReceipts++
			continue
		}

		decision.ServedBytes += receipt.ServedBytes
		decision.AcceptedReceipts++
	}

	if fullServed <= 0 {
		decision.CreditPercentBps = 10_000
	} else {
		bps := decision.ServedBytes * 10_000 / fullServed
		if bps < 0 {
			bps = 0
		}
		if bps > 10_000 {
			bps = 10_000
		}
		decision.CreditPercentBps = int(bps)
	}
	decision.OK = decision.ServedBytes >= minServed
	if !decision.OK {
		decision.Reason = "served_bytes_below_minimum"
	}
	return decision
}

// receiptDedupKey prefers the receipt's event id; receipts without one
// collapse on the full attribute tuple instead.
func receiptDedupKey(r Receipt) string {
	if id := strings.TrimSpace(r.ID); id != "" {
		return "id:" + id
	}
	var b strings.Builder
	b.WriteString("raw:")
	b.WriteString(r.Pubkey)
	b.WriteByte(':')
	b.WriteString(r.FromPubkey)
	b.WriteByte(':')
	b.WriteString(r.SessionID)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(r.CreatedAtSec, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(r.ObservedAtMs, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(r.ServedBytes, 10))
	return b.String()
}
