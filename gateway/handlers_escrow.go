package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/3KD/dStream-sub001/escrow"
)

type escrowSessionResponse struct {
	OK      bool             `json:"ok"`
	Session *escrow.Snapshot `json:"session"`
}

type escrowImportResponse struct {
	OK          bool             `json:"ok"`
	ImportedNow uint64           `json:"importedNow"`
	Session     *escrow.Snapshot `json:"session"`
}

type escrowCreateRequest struct {
	StreamPubkey       string   `json:"streamPubkey"`
	StreamID           string   `json:"streamId"`
	ParticipantPubkeys []string `json:"participantPubkeys"`
	Threshold          uint32   `json:"threshold"`
}

// CreateEscrowSession starts a ceremony. An Idempotency-Key header makes the
// call safely retryable: a replay with the same body returns the cached
// response, a replay with a different body is rejected.
func (s *Server) CreateEscrowSession(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		s.writeError(w, http.StatusBadRequest, "request body unreadable or too large")
		return
	}
	var req escrowCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	requestHash := ""
	if idemKey != "" && s.store != nil {
		sum := sha256.Sum256(body)
		requestHash = hex.EncodeToString(sum[:])
		cached, err := s.store.LookupIdempotency(r.Context(), principal.Pubkey, idemKey, requestHash)
		if errors.Is(err, ErrIdempotencyMismatch) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.logger.Error("idempotency lookup failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "idempotency lookup failed")
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	snap, err := s.engine.Create(r.Context(), escrow.CreateParams{
		ActorPubkey:        principal.Pubkey,
		StreamPubkey:       req.StreamPubkey,
		StreamID:           req.StreamID,
		ParticipantPubkeys: req.ParticipantPubkeys,
		Threshold:          req.Threshold,
	})
	if s.metrics != nil {
		s.metrics.RecordEscrowOp("create", err)
	}
	if err != nil {
		status := s.writeEscrowError(w, err)
		s.audit(r, principal.Pubkey, "", "create", status)
		return
	}

	resp := escrowSessionResponse{OK: true, Session: snap}
	if idemKey != "" && s.store != nil {
		encoded, err := json.Marshal(resp)
		if err == nil {
			if err := s.store.SaveIdempotency(r.Context(), principal.Pubkey, idemKey, requestHash, http.StatusOK, encoded); err != nil {
				s.logger.Error("idempotency save failed", "error", err)
			}
		}
	}
	s.audit(r, principal.Pubkey, snap.SessionID, "create", http.StatusOK)
	s.writeJSON(w, http.StatusOK, resp)
}

// GetEscrowSession returns a snapshot to the coordinator or any participant.
func (s *Server) GetEscrowSession(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	snap, err := s.engine.Get(chi.URLParam(r, "sessionId"), principal.Pubkey)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowSessionResponse{OK: true, Session: snap})
}

type escrowParticipantRequest struct {
	Phase        string `json:"phase"`
	MultisigInfo string `json:"multisigInfo"`
}

// EscrowParticipant records a participant's blob for the prepare or exchange
// round.
func (s *Server) EscrowParticipant(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	var req escrowParticipantRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	round := escrow.ParticipantRound(strings.ToLower(strings.TrimSpace(req.Phase)))
	snap, err := s.engine.SubmitParticipantInfo(r.Context(), sessionID, principal.Pubkey, round, req.MultisigInfo)
	if s.metrics != nil {
		s.metrics.RecordEscrowOp("participant", err)
	}
	if err != nil {
		status := s.writeEscrowError(w, err)
		s.audit(r, principal.Pubkey, sessionID, "participant", status)
		return
	}
	s.audit(r, principal.Pubkey, sessionID, "participant", http.StatusOK)
	s.writeJSON(w, http.StatusOK, escrowSessionResponse{OK: true, Session: snap})
}

// EscrowMake combines collected prepare blobs into the multisig wallet.
func (s *Server) EscrowMake(w http.ResponseWriter, r *http.Request) {
	s.runCoordinatorOp(w, r, "make", s.engine.Make)
}

// EscrowExchange runs one key-exchange round.
func (s *Server) EscrowExchange(w http.ResponseWriter, r *http.Request) {
	s.runCoordinatorOp(w, r, "exchange", s.engine.Exchange)
}

func (s *Server) runCoordinatorOp(w http.ResponseWriter, r *http.Request, operation string, op func(ctx context.Context, sessionID, actorPubkey string) (*escrow.Snapshot, error)) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	snap, err := op(r.Context(), sessionID, principal.Pubkey)
	if s.metrics != nil {
		s.metrics.RecordEscrowOp(operation, err)
	}
	if err != nil {
		status := s.writeEscrowError(w, err)
		s.audit(r, principal.Pubkey, sessionID, operation, status)
		return
	}
	s.audit(r, principal.Pubkey, sessionID, operation, http.StatusOK)
	s.writeJSON(w, http.StatusOK, escrowSessionResponse{OK: true, Session: snap})
}

type escrowImportRequest struct {
	Infos []string `json:"infos"`
}

// EscrowImport feeds peers' exported multisig outputs into the wallet.
func (s *Server) EscrowImport(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	var req escrowImportRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	result, err := s.engine.Import(r.Context(), sessionID, principal.Pubkey, req.Infos)
	if s.metrics != nil {
		s.metrics.RecordEscrowOp("import", err)
	}
	if err != nil {
		status := s.writeEscrowError(w, err)
		s.audit(r, principal.Pubkey, sessionID, "import", status)
		return
	}
	s.audit(r, principal.Pubkey, sessionID, "import", http.StatusOK)
	s.writeJSON(w, http.StatusOK, escrowImportResponse{
		OK:          true,
		ImportedNow: result.ImportedNow,
		Session:     result.Snapshot,
	})
}

type escrowTxRequest struct {
	TxDataHex string `json:"txDataHex"`
}

// EscrowSign signs the partially-signed transaction blob.
func (s *Server) EscrowSign(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	var req escrowTxRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	snap, err := s.engine.Sign(r.Context(), sessionID, principal.Pubkey, req.TxDataHex)
	if s.metrics != nil {
		s.metrics.RecordEscrowOp("sign", err)
	}
	if err != nil {
		status := s.writeEscrowError(w, err)
		s.audit(r, principal.Pubkey, sessionID, "sign", status)
		return
	}
	s.audit(r, principal.Pubkey, sessionID, "sign", http.StatusOK)
	s.writeJSON(w, http.StatusOK, escrowSessionResponse{OK: true, Session: snap})
}

// EscrowSubmit broadcasts the signed transaction.
func (s *Server) EscrowSubmit(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	var req escrowTxRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	snap, err := s.engine.Submit(r.Context(), sessionID, principal.Pubkey, req.TxDataHex)
	if s.metrics != nil {
		s.metrics.RecordEscrowOp("submit", err)
	}
	if err != nil {
		status := s.writeEscrowError(w, err)
		s.audit(r, principal.Pubkey, sessionID, "submit", status)
		return
	}
	s.audit(r, principal.Pubkey, sessionID, "submit", http.StatusOK)
	s.writeJSON(w, http.StatusOK, escrowSessionResponse{OK: true, Session: snap})
}
