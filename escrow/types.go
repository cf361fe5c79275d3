// Package escrow drives a Monero wallet through the multi-round multisig
// ceremony on behalf of a coordinator and a set of participants, one session
// per ceremony. Phase transitions are monotonic apart from the explicitly
// idempotent retries on import, sign and submit.
package escrow

import (
	"sort"
	"strings"
)

// Phase is the session's position in the ceremony state machine.
type Phase string

const (
	PhaseCollectingPrepare  Phase = "collecting_prepare"
	PhaseMakeReady          Phase = "make_ready"
	PhaseCollectingExchange Phase = "collecting_exchange"
	PhaseExchangeReady      Phase = "exchange_ready"
	PhaseExchanged          Phase = "exchanged"
	PhaseSigned             Phase = "signed"
	PhaseSubmitted          Phase = "submitted"
)

// Valid reports whether the phase value is one of the supported states.
func (p Phase) Valid() bool {
	switch p {
	case PhaseCollectingPrepare, PhaseMakeReady, PhaseCollectingExchange,
		PhaseExchangeReady, PhaseExchanged, PhaseSigned, PhaseSubmitted:
		return true
	default:
		return false
	}
}

// Session is one escrow ceremony. ParticipantPubkeys never contains the
// coordinator, and the per-participant maps only ever hold keys from that
// set. Mutation happens exclusively through the engine's phase-gated
// operations while the store's per-session lock is held.
type Session struct {
	ID                string
	StreamPubkey      string
	StreamID          string
	CoordinatorPubkey string

	ParticipantPubkeys []string
	Threshold          uint32

	CreatedAtMs int64
	UpdatedAtMs int64
	ExpiresAtMs int64

	Phase                    Phase
	WalletAddress            string
	CoordinatorPrepareInfo   string
	ParticipantPrepareInfos  map[string]string
	CoordinatorExchangeInfo  string
	ParticipantExchangeInfos map[string]string
	ExchangeRound            uint32
	ImportedOutputs          uint64
	SignedTxDataHex          string
	SignedTxids              []string
	SubmittedTxids           []string
}

// Clone returns a deep copy so callers can inspect a session without racing
// the engine's mutations.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.ParticipantPubkeys = append([]string(nil), s.ParticipantPubkeys...)
	clone.ParticipantPrepareInfos = cloneStringMap(s.ParticipantPrepareInfos)
	clone.ParticipantExchangeInfos = cloneStringMap(s.ParticipantExchangeInfos)
	clone.SignedTxids = append([]string(nil), s.SignedTxids...)
	clone.SubmittedTxids = append([]string(nil), s.SubmittedTxids...)
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	clone := make(map[string]string, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// IsParticipant reports whether pubkey is a declared participant.
func (s *Session) IsParticipant(pubkey string) bool {
	for _, p := range s.ParticipantPubkeys {
		if p == pubkey {
			return true
		}
	}
	return false
}

func (s *Session) hasAllPrepareInfos() bool {
	for _, pubkey := range s.ParticipantPubkeys {
		if strings.TrimSpace(s.ParticipantPrepareInfos[pubkey]) == "" {
			return false
		}
	}
	return true
}

func (s *Session) hasAllExchangeInfos() bool {
	for _, pubkey := range s.ParticipantPubkeys {
		if strings.TrimSpace(s.ParticipantExchangeInfos[pubkey]) == "" {
			return false
		}
	}
	return true
}

func (s *Session) pendingPubkeys(infos map[string]string) []string {
	pending := make([]string, 0, len(s.ParticipantPubkeys))
	for _, pubkey := range s.ParticipantPubkeys {
		if strings.TrimSpace(infos[pubkey]) == "" {
			pending = append(pending, pubkey)
		}
	}
	return pending
}

func (s *Session) joinedPubkeys(infos map[string]string) []string {
	joined := make([]string, 0, len(s.ParticipantPubkeys))
	for _, pubkey := range s.ParticipantPubkeys {
		if strings.TrimSpace(infos[pubkey]) != "" {
			joined = append(joined, pubkey)
		}
	}
	return joined
}

// RoundStatus summarizes one collection round for the snapshot. Raw blobs
// stay inside the session; only membership is echoed to callers.
type RoundStatus struct {
	Round                   uint32   `json:"round,omitempty"`
	CoordinatorMultisigInfo string   `json:"coordinatorMultisigInfo,omitempty"`
	ParticipantCount        int      `json:"participantCount"`
	JoinedPubkeys           []string `json:"joinedPubkeys"`
	PendingPubkeys          []string `json:"pendingPubkeys"`
	Ready                   bool     `json:"ready"`
}

// Snapshot is the read-only projection returned to any authorized party.
// Signed transaction data appears only once the session reaches signed.
type Snapshot struct {
	SessionID          string      `json:"sessionId"`
	StreamPubkey       string      `json:"streamPubkey"`
	StreamID           string      `json:"streamId"`
	CoordinatorPubkey  string      `json:"coordinatorPubkey"`
	ParticipantPubkeys []string    `json:"participantPubkeys"`
	Threshold          uint32      `json:"threshold"`
	CreatedAtMs        int64       `json:"createdAtMs"`
	UpdatedAtMs        int64       `json:"updatedAtMs"`
	ExpiresAtMs        int64       `json:"expiresAtMs"`
	Phase              Phase       `json:"phase"`
	Prepare            RoundStatus `json:"prepare"`
	Exchange           RoundStatus `json:"exchange"`
	WalletAddress      string      `json:"walletAddress,omitempty"`
	ExchangeRound      uint32      `json:"exchangeRound"`
	ImportedOutputs    uint64      `json:"importedOutputs"`
	SignedTxDataHex    string      `json:"signedTxDataHex,omitempty"`
	SignedTxids        []string    `json:"signedTxids"`
	SubmittedTxids     []string    `json:"submittedTxids"`
}

// Snapshot projects the session for API consumers.
func (s *Session) Snapshot() *Snapshot {
	pendingPrepare := s.pendingPubkeys(s.ParticipantPrepareInfos)
	pendingExchange := s.pendingPubkeys(s.ParticipantExchangeInfos)
	snap := &Snapshot{
		SessionID:          s.ID,
		StreamPubkey:       s.StreamPubkey,
		StreamID:           s.StreamID,
		CoordinatorPubkey:  s.CoordinatorPubkey,
		ParticipantPubkeys: append([]string(nil), s.ParticipantPubkeys...),
		Threshold:          s.Threshold,
		CreatedAtMs:        s.CreatedAtMs,
		UpdatedAtMs:        s.UpdatedAtMs,
		ExpiresAtMs:        s.ExpiresAtMs,
		Phase:              s.Phase,
		Prepare: RoundStatus{
			CoordinatorMultisigInfo: s.CoordinatorPrepareInfo,
			ParticipantCount:        len(s.ParticipantPubkeys),
			JoinedPubkeys:           s.joinedPubkeys(s.ParticipantPrepareInfos),
			PendingPubkeys:          pendingPrepare,
			Ready:                   len(pendingPrepare) == 0,
		},
		Exchange: RoundStatus{
			Round:                   s.ExchangeRound,
			CoordinatorMultisigInfo: s.CoordinatorExchangeInfo,
			ParticipantCount:        len(s.ParticipantPubkeys),
			JoinedPubkeys:           s.joinedPubkeys(s.ParticipantExchangeInfos),
			PendingPubkeys:          pendingExchange,
			Ready:                   len(pendingExchange) == 0,
		},
		WalletAddress:   s.WalletAddress,
		ExchangeRound:   s.ExchangeRound,
		ImportedOutputs: s.ImportedOutputs,
		SignedTxids:     append([]string{}, s.SignedTxids...),
		SubmittedTxids:  append([]string{}, s.SubmittedTxids...),
	}
	if s.Phase == PhaseSigned || s.Phase == PhaseSubmitted {
		snap.SignedTxDataHex = s.SignedTxDataHex
	}
	return snap
}

// NormalizePubkeys lowercases, trims, de-duplicates and sorts a pubkey list.
// Returns false when any entry is not a 64-character hex identifier.
func NormalizePubkeys(pubkeys []string) ([]string, bool) {
	seen := make(map[string]struct{}, len(pubkeys))
	out := make([]string, 0, len(pubkeys))
	for _, pk := range pubkeys {
		pk = strings.ToLower(strings.TrimSpace(pk))
		if pk == "" {
			continue
		}
		if !isHex64(pk) {
			return nil, false
		}
		if _, dup := seen[pk]; dup {
			continue
		}
		seen[pk] = struct{}{}
		out = append(out, pk)
	}
	sort.Strings(out)
	return out, true
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
