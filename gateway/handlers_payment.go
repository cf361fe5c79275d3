package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/3KD/dStream-sub001/payment"
	"github.com/3KD/dStream-sub001/session"
	"github.com/3KD/dStream-sub001/wallet"
)

// profileMethods lists the wallet RPC surface each payment profile depends on.
var profileMethods = map[string][]string{
	"tip_v1": {"get_version", "create_address", "get_transfers"},
	"stake_v2": {
		"get_version", "create_address", "get_transfers", "get_balance", "sweep_all",
	},
	"escrow_v3_multisig": {
		"get_version", "create_address", "get_transfers", "get_balance", "sweep_all",
		"prepare_multisig", "make_multisig", "exchange_multisig_keys",
		"export_multisig_info", "import_multisig_info", "sign_multisig", "submit_multisig",
	},
}

type paymentSessionRequest struct {
	StreamPubkey string `json:"streamPubkey"`
	StreamID     string `json:"streamId"`
}

type paymentSessionResponse struct {
	OK           bool   `json:"ok"`
	Address      string `json:"address"`
	AccountIndex uint32 `json:"accountIndex"`
	AddressIndex uint32 `json:"addressIndex"`
	ViewerPubkey string `json:"viewerPubkey,omitempty"`
	Session      string `json:"session"`
}

// CreateTipSession allocates a fresh subaddress for the stream and hands back
// a signed tip token bound to it.
func (s *Server) CreateTipSession(w http.ResponseWriter, r *http.Request) {
	var req paymentSessionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	streamPubkey := strings.ToLower(strings.TrimSpace(req.StreamPubkey))
	streamID := strings.TrimSpace(req.StreamID)
	if !session.IsHex64(streamPubkey) {
		s.writeError(w, http.StatusBadRequest, "streamPubkey must be a 64-character hex identifier")
		return
	}
	if streamID == "" {
		s.writeError(w, http.StatusBadRequest, "streamId is required")
		return
	}

	nonce, err := makeNonce()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "nonce generation failed")
		return
	}
	label := session.TipLabel(streamPubkey, streamID, nonce)
	created, err := s.wallet.CreateAddress(r.Context(), s.accountIndex, label)
	if err != nil {
		s.logger.Error("tip subaddress allocation failed", "streamId", streamID, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet create_address failed")
		return
	}

	token, err := s.codec.Sign(session.Token{
		Version:      1,
		Type:         session.TypeTip,
		StreamPubkey: streamPubkey,
		StreamID:     streamID,
		AccountIndex: s.accountIndex,
		AddressIndex: created.AddressIndex,
		CreatedAtMs:  s.nowFn().UnixMilli(),
		Nonce:        nonce,
	})
	if err != nil {
		s.logger.Error("tip token signing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "session signing unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, paymentSessionResponse{
		OK:           true,
		Address:      created.Address,
		AccountIndex: s.accountIndex,
		AddressIndex: created.AddressIndex,
		Session:      token,
	})
}

type tipVerifyResponse struct {
	OK            bool    `json:"ok"`
	StreamPubkey  string  `json:"streamPubkey"`
	StreamID      string  `json:"streamId"`
	AccountIndex  uint32  `json:"accountIndex"`
	AddressIndex  uint32  `json:"addressIndex"`
	Found         bool    `json:"found"`
	AmountAtomic  *string `json:"amountAtomic"`
	Confirmed     *bool   `json:"confirmed"`
	Confirmations *uint64 `json:"confirmations"`
	ObservedAtMs  *int64  `json:"observedAtMs"`
	Txid          *string `json:"txid"`
}

// VerifyTipSession resolves a tip token to its latest inbound transfer. The
// token is the only credential; an invalid one is indistinguishable from a
// missing one.
func (s *Server) VerifyTipSession(w http.ResponseWriter, r *http.Request) {
	payload := s.codec.Verify(chi.URLParam(r, "token"))
	if payload == nil || payload.Type != session.TypeTip {
		s.writeError(w, http.StatusBadRequest, "invalid session token")
		return
	}

	match, err := payment.FindLatestIncomingTip(r.Context(), s.wallet, payload.AccountIndex, payload.AddressIndex, s.confirmations)
	if err != nil {
		s.logger.Error("tip verify failed", "streamId", payload.StreamID, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet transfer lookup failed")
		return
	}

	resp := tipVerifyResponse{
		OK:           true,
		StreamPubkey: payload.StreamPubkey,
		StreamID:     payload.StreamID,
		AccountIndex: payload.AccountIndex,
		AddressIndex: payload.AddressIndex,
	}
	if match != nil {
		amount := match.AmountAtomic.String()
		resp.Found = true
		resp.AmountAtomic = &amount
		resp.Confirmed = &match.Confirmed
		resp.Confirmations = &match.Confirmations
		resp.ObservedAtMs = &match.ObservedAtMs
		resp.Txid = &match.Txid
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// CreateStakeSession is the authenticated variant of CreateTipSession: the
// caller's verified pubkey is baked into the token as the viewer identity.
func (s *Server) CreateStakeSession(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(w, r)
	if principal == nil {
		return
	}
	var req paymentSessionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	streamPubkey := strings.ToLower(strings.TrimSpace(req.StreamPubkey))
	streamID := strings.TrimSpace(req.StreamID)
	if !session.IsHex64(streamPubkey) {
		s.writeError(w, http.StatusBadRequest, "streamPubkey must be a 64-character hex identifier")
		return
	}
	if streamID == "" {
		s.writeError(w, http.StatusBadRequest, "streamId is required")
		return
	}

	nonce, err := makeNonce()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "nonce generation failed")
		return
	}
	label := session.StakeLabel(streamPubkey, streamID, nonce)
	created, err := s.wallet.CreateAddress(r.Context(), s.accountIndex, label)
	if err != nil {
		s.logger.Error("stake subaddress allocation failed", "streamId", streamID, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet create_address failed")
		return
	}

	token, err := s.codec.Sign(session.Token{
		Version:      1,
		Type:         session.TypeStake,
		StreamPubkey: streamPubkey,
		StreamID:     streamID,
		ViewerPubkey: principal.Pubkey,
		AccountIndex: s.accountIndex,
		AddressIndex: created.AddressIndex,
		CreatedAtMs:  s.nowFn().UnixMilli(),
		Nonce:        nonce,
	})
	if err != nil {
		s.logger.Error("stake token signing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "session signing unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, paymentSessionResponse{
		OK:           true,
		Address:      created.Address,
		AccountIndex: s.accountIndex,
		AddressIndex: created.AddressIndex,
		ViewerPubkey: principal.Pubkey,
		Session:      token,
	})
}

type stakeVerifyResponse struct {
	OK               bool   `json:"ok"`
	StreamPubkey     string `json:"streamPubkey"`
	StreamID         string `json:"streamId"`
	ViewerPubkey     string `json:"viewerPubkey"`
	AccountIndex     uint32 `json:"accountIndex"`
	AddressIndex     uint32 `json:"addressIndex"`
	TotalAtomic      string `json:"totalAtomic"`
	ConfirmedAtomic  string `json:"confirmedAtomic"`
	TransferCount    int    `json:"transferCount"`
	LastObservedAtMs int64  `json:"lastObservedAtMs,omitempty"`
	LastTxid         string `json:"lastTxid,omitempty"`
}

// VerifyStakeSession reports stake totals for the token's subaddress. Only
// the viewer the token was minted for may read it.
func (s *Server) VerifyStakeSession(w http.ResponseWriter, r *http.Request) {
	payload := s.codec.Verify(chi.URLParam(r, "token"))
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

	totals, err := payment.GetStakeTotals(r.Context(), s.wallet, payload.AccountIndex, payload.AddressIndex, s.confirmations)
	if err != nil {
		s.logger.Error("stake verify failed", "streamId", payload.StreamID, "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet transfer lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, stakeVerifyResponse{
		OK:               true,
		StreamPubkey:     payload.StreamPubkey,
		StreamID:         payload.StreamID,
		ViewerPubkey:     payload.ViewerPubkey,
		AccountIndex:     payload.AccountIndex,
		AddressIndex:     payload.AddressIndex,
		TotalAtomic:      totals.TotalAtomic.String(),
		ConfirmedAtomic:  totals.ConfirmedAtomic.String(),
		TransferCount:    totals.TransferCount,
		LastObservedAtMs: totals.LastObservedAtMs,
		LastTxid:         totals.LastTxid,
	})
}

type methodVerdict struct {
	Supported bool   `json:"supported"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message"`
}

type profileVerdict struct {
	Ready    bool     `json:"ready"`
	Required []string `json:"required"`
	Missing  []string `json:"missing"`
}

type capabilitiesResponse struct {
	OK       bool                      `json:"ok"`
	Version  uint64                    `json:"version"`
	Mode     wallet.ProbeMode          `json:"mode"`
	Methods  map[string]methodVerdict  `json:"methods"`
	Profiles map[string]profileVerdict `json:"profiles"`
}

// Capabilities probes the wallet's RPC surface and reports per-profile
// readiness. mode=active invokes every probe method; the default passive mode
// skips state-mutating calls.
func (s *Server) Capabilities(w http.ResponseWriter, r *http.Request) {
	mode := wallet.ProbePassive
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("mode")), string(wallet.ProbeActive)) {
		mode = wallet.ProbeActive
	}

	version, err := s.wallet.GetVersion(r.Context())
	if err != nil {
		s.logger.Error("capability probe failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "wallet unavailable")
		return
	}

	seen := make(map[string]struct{})
	var methodList []string
	for _, profile := range []string{"tip_v1", "stake_v2", "escrow_v3_multisig"} {
		for _, method := range profileMethods[profile] {
			if _, dup := seen[method]; dup {
				continue
			}
			seen[method] = struct{}{}
			methodList = append(methodList, method)
		}
	}

	probes := s.wallet.ProbeMethods(r.Context(), methodList, mode)
	supported := make(map[string]bool, len(probes))
	methods := make(map[string]methodVerdict, len(probes))
	for _, probe := range probes {
		supported[probe.Method] = probe.Supported
		methods[probe.Method] = methodVerdict{
			Supported: probe.Supported,
			Code:      probe.Code,
			Message:   probe.Message,
		}
	}

	profiles := make(map[string]profileVerdict, len(profileMethods))
	for name, required := range profileMethods {
		missing := make([]string, 0)
		for _, method := range required {
			if !supported[method] {
				missing = append(missing, method)
			}
		}
		profiles[name] = profileVerdict{
			Ready:    len(missing) == 0,
			Required: required,
			Missing:  missing,
		}
	}

	s.writeJSON(w, http.StatusOK, capabilitiesResponse{
		OK:       true,
		Version:  version,
		Mode:     mode,
		Methods:  methods,
		Profiles: profiles,
	})
}
