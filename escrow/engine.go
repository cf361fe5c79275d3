package escrow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/3KD/dStream-sub001/wallet"
)

// WalletClient is the slice of the wallet RPC surface the ceremony needs.
type WalletClient interface {
	PrepareMultisig(ctx context.Context) (wallet.PrepareMultisigResult, error)
	MakeMultisig(ctx context.Context, infos []string, threshold uint32) (wallet.MakeMultisigResult, error)
	ExchangeMultisigKeys(ctx context.Context, infos []string) (wallet.ExchangeMultisigResult, error)
	ImportMultisigInfo(ctx context.Context, infos []string) (uint64, error)
	SignMultisig(ctx context.Context, txDataHex string) (wallet.SignMultisigResult, error)
	SubmitMultisig(ctx context.Context, txDataHex string) ([]string, error)
}

// kexCompletePattern matches the wallet's message when exchange_multisig_keys
// is called after the key exchange already converged. Used only as a fallback
// when the empty-multisig_info signal is unavailable because the call errored.
var kexCompletePattern = regexp.MustCompile(`(?i)kex is already complete`)

// Engine owns the escrow ceremony state machine. Each operation authorizes
// the actor, gates on the session phase, performs at most one wallet call and
// folds the result into the session, all under the store's per-session lock.
// Failures never mutate session state.
type Engine struct {
	wallet WalletClient
	store  *Store
}

// NewEngine wires the state machine to its wallet client and session store.
func NewEngine(client WalletClient, store *Store) *Engine {
	if client == nil {
		panic("escrow: wallet client required")
	}
	if store == nil {
		panic("escrow: store required")
	}
	return &Engine{wallet: client, store: store}
}

// CreateParams carries the coordinator's request to start a ceremony.
type CreateParams struct {
	ActorPubkey        string
	StreamPubkey       string
	StreamID           string
	ParticipantPubkeys []string
	Threshold          uint32
}

// Create validates the request, runs the coordinator's prepare_multisig and,
// only if that succeeds, registers a new session in collecting_prepare. The
// caller must be the stream's own identity.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Snapshot, error) {
	actor := strings.ToLower(strings.TrimSpace(params.ActorPubkey))
	streamPubkey := strings.ToLower(strings.TrimSpace(params.StreamPubkey))
	streamID := strings.TrimSpace(params.StreamID)
	if !isHex64(streamPubkey) {
		return nil, validationErrorf("streamPubkey must be a 64-character hex identifier")
	}
	if streamID == "" {
		return nil, validationErrorf("streamId is required")
	}
	if actor != streamPubkey {
		return nil, &AuthError{Op: "create", Pubkey: actor}
	}
	participants, ok := NormalizePubkeys(params.ParticipantPubkeys)
	if !ok {
		return nil, validationErrorf("participantPubkeys must all be 64-character hex identifiers")
	}
	filtered := participants[:0]
	for _, pk := range participants {
		if pk != actor {
			filtered = append(filtered, pk)
		}
	}
	participants = filtered
	if len(participants) == 0 {
		return nil, validationErrorf("participantPubkeys must include at least one non-coordinator pubkey")
	}
	totalSigners := uint32(len(participants)) + 1
	threshold := params.Threshold
	if threshold == 0 {
		threshold = totalSigners
	}
	if threshold < 2 || threshold > totalSigners {
		return nil, validationErrorf("threshold must be between 2 and %d", totalSigners)
	}

	prepared, err := e.wallet.PrepareMultisig(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: coordinator prepare failed: %w", err)
	}

	session := &Session{
		ID:                       uuid.NewString(),
		StreamPubkey:             streamPubkey,
		StreamID:                 streamID,
		CoordinatorPubkey:        actor,
		ParticipantPubkeys:       participants,
		Threshold:                threshold,
		Phase:                    PhaseCollectingPrepare,
		CoordinatorPrepareInfo:   prepared.MultisigInfo,
		ParticipantPrepareInfos:  make(map[string]string),
		ParticipantExchangeInfos: make(map[string]string),
	}
	e.store.Insert(session)
	return session.Snapshot(), nil
}

// ParticipantRound names which collection round a participant submission
// targets.
type ParticipantRound string

const (
	RoundPrepare  ParticipantRound = "prepare"
	RoundExchange ParticipantRound = "exchange"
)

// SubmitParticipantInfo upserts a participant's blob for the current round
// and recomputes the phase once every declared participant has contributed.
// A participant may resubmit before the coordinator advances; the prior blob
// is overwritten.
func (e *Engine) SubmitParticipantInfo(ctx context.Context, sessionID, actorPubkey string, round ParticipantRound, multisigInfo string) (*Snapshot, error) {
	multisigInfo = strings.TrimSpace(multisigInfo)
	if multisigInfo == "" {
		return nil, validationErrorf("multisigInfo is required")
	}
	if round != RoundPrepare && round != RoundExchange {
		return nil, validationErrorf("phase must be %q or %q", RoundPrepare, RoundExchange)
	}
	actor := strings.ToLower(strings.TrimSpace(actorPubkey))

	var snap *Snapshot
	err := e.store.With(sessionID, func(session *Session) error {
		if !session.IsParticipant(actor) {
			return &AuthError{Op: "participant submission", Pubkey: actor}
		}
		switch round {
		case RoundPrepare:
			if session.Phase != PhaseCollectingPrepare && session.Phase != PhaseMakeReady {
				return &PhaseError{Current: session.Phase, Attempted: "prepare"}
			}
			session.ParticipantPrepareInfos[actor] = multisigInfo
			if session.hasAllPrepareInfos() {
				session.Phase = PhaseMakeReady
			} else {
				session.Phase = PhaseCollectingPrepare
			}
		case RoundExchange:
			if session.Phase != PhaseCollectingExchange && session.Phase != PhaseExchangeReady {
				return &PhaseError{Current: session.Phase, Attempted: "exchange"}
			}
			session.ParticipantExchangeInfos[actor] = multisigInfo
			if session.hasAllExchangeInfos() {
				session.Phase = PhaseExchangeReady
			} else {
				session.Phase = PhaseCollectingExchange
			}
		}
		e.store.Touch(session)
		snap = session.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Make combines all prepare blobs into the multisig wallet. Depending on the
// signer count the wallet either hands back the first exchange-round blob or
// signals that the key exchange is already complete.
func (e *Engine) Make(ctx context.Context, sessionID, actorPubkey string) (*Snapshot, error) {
	actor := strings.ToLower(strings.TrimSpace(actorPubkey))
	var snap *Snapshot
	err := e.store.With(sessionID, func(session *Session) error {
		if actor != session.CoordinatorPubkey {
			return &AuthError{Op: "make", Pubkey: actor}
		}
		if session.Phase != PhaseCollectingPrepare && session.Phase != PhaseMakeReady {
			return &PhaseError{Current: session.Phase, Attempted: "make"}
		}
		if !session.hasAllPrepareInfos() {
			return &NotReadyError{Op: "prepare", Pending: session.pendingPubkeys(session.ParticipantPrepareInfos)}
		}
		infos := make([]string, 0, len(session.ParticipantPubkeys))
		for _, pubkey := range session.ParticipantPubkeys {
			infos = append(infos, session.ParticipantPrepareInfos[pubkey])
		}
		out, err := e.wallet.MakeMultisig(ctx, infos, session.Threshold)
		if err != nil {
			return fmt.Errorf("escrow: make failed: %w", err)
		}
		if out.Address != "" {
			session.WalletAddress = out.Address
		}
		session.CoordinatorExchangeInfo = out.MultisigInfo
		session.ParticipantExchangeInfos = make(map[string]string)
		if out.MultisigInfo != "" {
			session.ExchangeRound = 1
			session.Phase = PhaseCollectingExchange
		} else {
			session.ExchangeRound = 0
			session.Phase = PhaseExchanged
		}
		e.store.Touch(session)
		snap = session.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Exchange runs one key-exchange round with the collected participant blobs.
// An empty multisig_info from the wallet means the exchange converged; a
// "kex is already complete" error is folded into the same outcome rather
// than treated as a failure, since fast-converging signer counts finish in
// fewer rounds than the naive loop bound.
func (e *Engine) Exchange(ctx context.Context, sessionID, actorPubkey string) (*Snapshot, error) {
	actor := strings.ToLower(strings.TrimSpace(actorPubkey))
	var snap *Snapshot
	err := e.store.With(sessionID, func(session *Session) error {
		if actor != session.CoordinatorPubkey {
			return &AuthError{Op: "exchange", Pubkey: actor}
		}
		if session.Phase != PhaseCollectingExchange && session.Phase != PhaseExchangeReady {
			return &PhaseError{Current: session.Phase, Attempted: "exchange"}
		}
		if !session.hasAllExchangeInfos() {
			return &NotReadyError{Op: "exchange", Pending: session.pendingPubkeys(session.ParticipantExchangeInfos)}
		}
		infos := make([]string, 0, len(session.ParticipantPubkeys))
		for _, pubkey := range session.ParticipantPubkeys {
			infos = append(infos, session.ParticipantExchangeInfos[pubkey])
		}
		out, err := e.wallet.ExchangeMultisigKeys(ctx, infos)
		if err != nil {
			if isKexComplete(err) {
				session.CoordinatorExchangeInfo = ""
				session.ParticipantExchangeInfos = make(map[string]string)
				session.Phase = PhaseExchanged
				e.store.Touch(session)
				snap = session.Snapshot()
				return nil
			}
			return fmt.Errorf("escrow: exchange failed: %w", err)
		}
		if out.Address != "" {
			session.WalletAddress = out.Address
		}
		session.CoordinatorExchangeInfo = out.MultisigInfo
		session.ParticipantExchangeInfos = make(map[string]string)
		if out.MultisigInfo != "" {
			session.ExchangeRound++
			session.Phase = PhaseCollectingExchange
		} else {
			session.Phase = PhaseExchanged
		}
		e.store.Touch(session)
		snap = session.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ImportResult pairs the updated snapshot with the outputs imported by this
// call, since the session total only ever accumulates.
type ImportResult struct {
	Snapshot    *Snapshot
	ImportedNow uint64
}

// Import feeds peers' exported key images into the wallet. Legal from both
// exchanged and signed, and repeatable: multisig output import is cumulative
// across calls so the running count adds rather than overwrites.
func (e *Engine) Import(ctx context.Context, sessionID, actorPubkey string, infos []string) (*ImportResult, error) {
	trimmed := make([]string, 0, len(infos))
	for _, info := range infos {
		if v := strings.TrimSpace(info); v != "" {
			trimmed = append(trimmed, v)
		}
	}
	if len(trimmed) == 0 {
		return nil, validationErrorf("infos must include at least one entry")
	}
	actor := strings.ToLower(strings.TrimSpace(actorPubkey))
	var result *ImportResult
	err := e.store.With(sessionID, func(session *Session) error {
		if actor != session.CoordinatorPubkey {
			return &AuthError{Op: "import", Pubkey: actor}
		}
		if session.Phase != PhaseExchanged && session.Phase != PhaseSigned {
			return &PhaseError{Current: session.Phase, Attempted: "import"}
		}
		imported, err := e.wallet.ImportMultisigInfo(ctx, trimmed)
		if err != nil {
			return fmt.Errorf("escrow: import failed: %w", err)
		}
		session.ImportedOutputs += imported
		e.store.Touch(session)
		result = &ImportResult{Snapshot: session.Snapshot(), ImportedNow: imported}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Sign signs the transaction blob with the coordinator's wallet. Re-signing
// from the signed phase is allowed so a retried request cannot strand the
// ceremony.
func (e *Engine) Sign(ctx context.Context, sessionID, actorPubkey, txDataHex string) (*Snapshot, error) {
	txDataHex = normalizeTxDataHex(txDataHex)
	if txDataHex == "" {
		return nil, validationErrorf("txDataHex must be a non-empty hex string")
	}
	actor := strings.ToLower(strings.TrimSpace(actorPubkey))
	var snap *Snapshot
	err := e.store.With(sessionID, func(session *Session) error {
		if actor != session.CoordinatorPubkey {
			return &AuthError{Op: "sign", Pubkey: actor}
		}
		if session.Phase != PhaseExchanged && session.Phase != PhaseSigned {
			return &PhaseError{Current: session.Phase, Attempted: "sign"}
		}
		out, err := e.wallet.SignMultisig(ctx, txDataHex)
		if err != nil {
			return fmt.Errorf("escrow: sign failed: %w", err)
		}
		session.SignedTxDataHex = out.TxDataHex
		session.SignedTxids = out.Txids
		session.Phase = PhaseSigned
		e.store.Touch(session)
		snap = session.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Submit broadcasts the signed transaction. txDataHex may be empty, in which
// case the blob recorded by Sign is used; a non-empty blob must be hex.
// Re-submitting from submitted is allowed; a client that timed out can
// safely retry.
func (e *Engine) Submit(ctx context.Context, sessionID, actorPubkey, txDataHex string) (*Snapshot, error) {
	provided := strings.TrimSpace(txDataHex) != ""
	txDataHex = normalizeTxDataHex(txDataHex)
	if provided && txDataHex == "" {
		return nil, validationErrorf("txDataHex must be a hex string")
	}
	actor := strings.ToLower(strings.TrimSpace(actorPubkey))
	var snap *Snapshot
	err := e.store.With(sessionID, func(session *Session) error {
		if actor != session.CoordinatorPubkey {
			return &AuthError{Op: "submit", Pubkey: actor}
		}
		if session.Phase != PhaseSigned && session.Phase != PhaseSubmitted {
			return &PhaseError{Current: session.Phase, Attempted: "submit"}
		}
		blob := txDataHex
		if blob == "" {
			blob = session.SignedTxDataHex
		}
		if blob == "" {
			return validationErrorf("txDataHex missing (provide one or sign first)")
		}
		txids, err := e.wallet.SubmitMultisig(ctx, blob)
		if err != nil {
			return fmt.Errorf("escrow: submit failed: %w", err)
		}
		session.SubmittedTxids = txids
		session.Phase = PhaseSubmitted
		e.store.Touch(session)
		snap = session.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Get returns a snapshot for the coordinator or any participant. Reads never
// mutate the session.
func (e *Engine) Get(sessionID, actorPubkey string) (*Snapshot, error) {
	actor := strings.ToLower(strings.TrimSpace(actorPubkey))
	var snap *Snapshot
	err := e.store.With(sessionID, func(session *Session) error {
		if actor != session.CoordinatorPubkey && !session.IsParticipant(actor) {
			return &AuthError{Op: "get", Pubkey: actor}
		}
		snap = session.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func isKexComplete(err error) bool {
	var callErr *wallet.CallError
	if errors.As(err, &callErr) && callErr.Kind == wallet.ErrorKindRPC {
		return kexCompletePattern.MatchString(callErr.Message)
	}
	return false
}

func normalizeTxDataHex(input string) string {
	value := strings.TrimSpace(input)
	if value == "" {
		return ""
	}
	for _, r := range value {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return ""
		}
	}
	return strings.ToLower(value)
}
