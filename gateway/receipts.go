package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/3KD/dStream-sub001/gateway/auth"
	"github.com/3KD/dStream-sub001/payment"
	"github.com/3KD/dStream-sub001/session"
)

const (
	// receiptEventKind identifies a peer-serving byte receipt event.
	receiptEventKind = 30316
	// streamAnnounceKind anchors the addressable a-tag a receipt scopes to.
	streamAnnounceKind = 30311

	receiptContentType = "p2p_bytes_receipt"
)

var errReceiptScope = errors.New("receipt not scoped to this stream")

type receiptContent struct {
	V            int    `json:"v"`
	T            string `json:"t"`
	StreamPubkey string `json:"streamPubkey"`
	StreamID     string `json:"streamId"`
	FromPubkey   string `json:"fromPubkey"`
	ServedBytes  int64  `json:"servedBytes"`
	ObservedAtMs int64  `json:"observedAtMs"`
	SessionID    string `json:"sessionId"`
}

// streamATag builds the addressable tag binding an event to one stream.
func streamATag(streamPubkey, streamID string) string {
	return strconv.Itoa(streamAnnounceKind) + ":" + streamPubkey + ":" + streamID
}

// parseReceiptEvent verifies a signed serving receipt and converts it for
// policy evaluation. The event must be signed by its own pubkey, scoped to
// the session's stream through the a-tag and the content body, and credit the
// peer named in its p-tag.
func parseReceiptEvent(event *auth.Event, streamPubkey, streamID string) (payment.Receipt, error) {
	pubkey, err := auth.VerifyEventSignature(event)
	if err != nil {
		return payment.Receipt{}, err
	}
	if event.Kind != receiptEventKind {
		return payment.Receipt{}, fmt.Errorf("unexpected receipt kind %d", event.Kind)
	}
	aTag, ok := event.Tag("a")
	if !ok || aTag != streamATag(streamPubkey, streamID) {
		return payment.Receipt{}, errReceiptScope
	}

	var content receiptContent
	if err := json.Unmarshal([]byte(event.Content), &content); err != nil {
		return payment.Receipt{}, fmt.Errorf("receipt content: %w", err)
	}
	if content.V != 1 || content.T != receiptContentType {
		return payment.Receipt{}, errors.New("receipt content schema mismatch")
	}
	if content.StreamPubkey != streamPubkey || content.StreamID != streamID {
		return payment.Receipt{}, errReceiptScope
	}
	fromPubkey := strings.ToLower(strings.TrimSpace(content.FromPubkey))
	if !session.IsHex64(fromPubkey) {
		return payment.Receipt{}, errors.New("receipt fromPubkey must be hex64")
	}
	if content.ServedBytes < 0 {
		return payment.Receipt{}, errors.New("receipt servedBytes must be non-negative")
	}
	if content.ObservedAtMs <= 0 {
		return payment.Receipt{}, errors.New("receipt observedAtMs must be positive")
	}
	pTag, ok := event.Tag("p")
	if !ok || !strings.EqualFold(pTag, fromPubkey) {
		return payment.Receipt{}, errors.New("receipt p-tag does not credit fromPubkey")
	}

	return payment.Receipt{
		ID:           event.ID,
		Pubkey:       pubkey,
		FromPubkey:   fromPubkey,
		SessionID:    content.SessionID,
		ServedBytes:  content.ServedBytes,
		ObservedAtMs: content.ObservedAtMs,
		CreatedAtSec: event.CreatedAt,
	}, nil
}
