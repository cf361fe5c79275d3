package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/3KD/dStream-sub001/escrow"
	"github.com/3KD/dStream-sub001/gateway/auth"
	"github.com/3KD/dStream-sub001/observability"
	"github.com/3KD/dStream-sub001/session"
	"github.com/3KD/dStream-sub001/wallet"
)

// stubWallet scripts the handler-facing wallet surface.
type stubWallet struct {
	version     uint64
	versionErr  error
	created     wallet.CreatedAddress
	createErr   error
	labels      []string
	transfers   []wallet.IncomingTransfer
	transferErr error
	account     wallet.AccountAddress
	accountErr  error
	balance     wallet.Balance
	balanceErr  error
	sweep       wallet.SweepResult
	sweepErr    error
	sweepIndex  uint32
	sweepDest   string
	sweepCalls  int
	probeMode   wallet.ProbeMode
	unsupported map[string]bool
}

func (s *stubWallet) GetVersion(ctx context.Context) (uint64, error) {
	return s.version, s.versionErr
}

func (s *stubWallet) CreateAddress(ctx context.Context, accountIndex uint32, label string) (wallet.CreatedAddress, error) {
	s.labels = append(s.labels, label)
	if s.createErr != nil {
		return wallet.CreatedAddress{}, s.createErr
	}
	return s.created, nil
}

func (s *stubWallet) GetAddress(ctx context.Context, accountIndex uint32) (wallet.AccountAddress, error) {
	return s.account, s.accountErr
}

func (s *stubWallet) GetBalance(ctx context.Context, accountIndex uint32, addressIndices []uint32) (wallet.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *stubWallet) SweepAll(ctx context.Context, accountIndex, addressIndex uint32, destination string) (wallet.SweepResult, error) {
	s.sweepCalls++
	s.sweepIndex = addressIndex
	s.sweepDest = destination
	if s.sweepErr != nil {
		return wallet.SweepResult{}, s.sweepErr
	}
	return s.sweep, nil
}

func (s *stubWallet) Refresh(ctx context.Context) error { return nil }

func (s *stubWallet) GetIncomingTransfers(ctx context.Context) ([]wallet.IncomingTransfer, error) {
	if s.transferErr != nil {
		return nil, s.transferErr
	}
	return s.transfers, nil
}

func (s *stubWallet) ProbeMethods(ctx context.Context, methods []string, mode wallet.ProbeMode) []wallet.MethodProbe {
	s.probeMode = mode
	probes := make([]wallet.MethodProbe, 0, len(methods))
	for _, method := range methods {
		if s.unsupported[method] {
			probes = append(probes, wallet.MethodProbe{Method: method, Supported: false, Code: -32601, Message: "Method not found"})
			continue
		}
		probes = append(probes, wallet.MethodProbe{Method: method, Supported: true, Message: "ok"})
	}
	return probes
}

// ceremonyWallet scripts the escrow engine's wallet surface.
type ceremonyWallet struct {
	prepareCalls int
	makeResult   wallet.MakeMultisigResult
	exchangeInfo string
	imported     uint64
	signedBlob   string
	submitTxids  []string
}

func (c *ceremonyWallet) PrepareMultisig(ctx context.Context) (wallet.PrepareMultisigResult, error) {
	c.prepareCalls++
	return wallet.PrepareMultisigResult{MultisigInfo: "MultisigV1Coordinator"}, nil
}

func (c *ceremonyWallet) MakeMultisig(ctx context.Context, infos []string, threshold uint32) (wallet.MakeMultisigResult, error) {
	return c.makeResult, nil
}

func (c *ceremonyWallet) ExchangeMultisigKeys(ctx context.Context, infos []string) (wallet.ExchangeMultisigResult, error) {
	return wallet.ExchangeMultisigResult{Address: "55escrow", MultisigInfo: c.exchangeInfo}, nil
}

func (c *ceremonyWallet) ImportMultisigInfo(ctx context.Context, infos []string) (uint64, error) {
	return c.imported, nil
}

func (c *ceremonyWallet) SignMultisig(ctx context.Context, txDataHex string) (wallet.SignMultisigResult, error) {
	return wallet.SignMultisigResult{TxDataHex: c.signedBlob}, nil
}

func (c *ceremonyWallet) SubmitMultisig(ctx context.Context, txDataHex string) ([]string, error) {
	return c.submitTxids, nil
}

func newServerForTest(t *testing.T, sw *stubWallet, cw *ceremonyWallet, store *SQLiteStore) *Server {
	t.Helper()
	return New(Config{
		Wallet:         sw,
		Engine:         escrow.NewEngine(cw, escrow.NewStore(time.Hour)),
		Codec:          session.NewCodec(session.NewSecret("server-test-secret", "test")),
		Verifier:       auth.NewVerifier(time.Minute),
		Store:          store,
		Metrics:        observability.New(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		AccountIndex:   0,
		Confirmations:  10,
		RequestTimeout: 5 * time.Second,
	})
}

func newSigningKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func pubkeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

// authHeader builds a signed identity event bound to the request. The
// canonical digest mirrors the verifier's: the JSON array
// [0, pubkey, created_at, kind, tags, content] without HTML escaping.
func authHeader(t *testing.T, priv *btcec.PrivateKey, method, path string) string {
	t.Helper()
	event := auth.Event{
		Pubkey:    pubkeyHex(priv),
		CreatedAt: time.Now().Unix(),
		Kind:      auth.EventKind,
		Tags:      [][]string{{"u", "https://gw.example" + path}, {"method", method}},
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]interface{}{0, event.Pubkey, event.CreatedAt, event.Kind, event.Tags, event.Content}); err != nil {
		t.Fatalf("encode event: %v", err)
	}
	id := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	event.ID = hex.EncodeToString(id[:])
	sig, err := schnorr.Sign(priv, id[:])
	if err != nil {
		t.Fatalf("sign event: %v", err)
	}
	event.Sig = hex.EncodeToString(sig.Serialize())
	raw, err := json.Marshal(&event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return auth.Scheme + " " + base64.StdEncoding.EncodeToString(raw)
}

func doRequest(t *testing.T, srv *Server, method, path, body string, priv *btcec.PrivateKey, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if priv != nil {
		req.Header.Set("Authorization", authHeader(t, priv, method, path))
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	srv := newServerForTest(t, &stubWallet{}, &ceremonyWallet{}, nil)
	rec := doRequest(t, srv, "GET", "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decodeResponse(t, rec, &body)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestTipSessionFlow(t *testing.T) {
	streamPK := strings.Repeat("ab", 32)
	sw := &stubWallet{created: wallet.CreatedAddress{Address: "55tipaddr", AddressIndex: 7}}
	srv := newServerForTest(t, sw, &ceremonyWallet{}, nil)

	rec := doRequest(t, srv, "POST", "/api/xmr/tip/session",
		`{"streamPubkey":"`+streamPK+`","streamId":"live-1"}`, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body)
	}
	var created paymentSessionResponse
	decodeResponse(t, rec, &created)
	if !created.OK || created.Address != "55tipaddr" || created.AddressIndex != 7 {
		t.Fatalf("created = %+v", created)
	}
	if len(sw.labels) != 1 || !strings.HasPrefix(sw.labels[0], "dstream_tip:"+streamPK+":live-1:") {
		t.Fatalf("labels = %v", sw.labels)
	}

	amount, _ := new(big.Int).SetString("2500000000000", 10)
	sw.transfers = []wallet.IncomingTransfer{{
		AmountAtomic:  amount,
		Confirmations: 12,
		SubaddrIndex:  wallet.SubaddrIndex{Major: 0, Minor: 7},
		Txid:          "tx-tip",
		TimestampSec:  1_700_000_000,
	}}
	rec = doRequest(t, srv, "GET", "/api/xmr/tip/session/"+created.Session, "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d body = %s", rec.Code, rec.Body)
	}
	var verified tipVerifyResponse
	decodeResponse(t, rec, &verified)
	if !verified.Found || verified.AmountAtomic == nil || *verified.AmountAtomic != "2500000000000" {
		t.Fatalf("verified = %+v", verified)
	}
	if verified.Confirmed == nil || !*verified.Confirmed {
		t.Fatal("12 confirmations at depth 10 must report confirmed")
	}
	if verified.Txid == nil || *verified.Txid != "tx-tip" {
		t.Fatalf("txid = %v", verified.Txid)
	}
}

func TestTipSessionRejectsBadRequests(t *testing.T) {
	srv := newServerForTest(t, &stubWallet{}, &ceremonyWallet{}, nil)

	cases := map[string]string{
		"bad pubkey":        `{"streamPubkey":"nope","streamId":"live-1"}`,
		"missing stream id": `{"streamPubkey":"` + strings.Repeat("ab", 32) + `"}`,
		"invalid json":      `{"streamPubkey":`,
	}
	for name, body := range cases {
		rec := doRequest(t, srv, "POST", "/api/xmr/tip/session", body, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", name, rec.Code)
		}
	}
}

func TestTipVerifyRejectsBadTokens(t *testing.T) {
	srv := newServerForTest(t, &stubWallet{}, &ceremonyWallet{}, nil)

	rec := doRequest(t, srv, "GET", "/api/xmr/tip/session/garbage", "", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage token: status = %d", rec.Code)
	}

	// A valid stake token is still not a tip token.
	stake, err := srv.codec.Sign(session.Token{
		Version:      1,
		Type:         session.TypeStake,
		StreamPubkey: strings.Repeat("ab", 32),
		StreamID:     "live-1",
		ViewerPubkey: strings.Repeat("cd", 32),
		CreatedAtMs:  time.Now().UnixMilli(),
		Nonce:        "n0nce",
	})
	if err != nil {
		t.Fatalf("sign stake token: %v", err)
	}
	rec = doRequest(t, srv, "GET", "/api/xmr/tip/session/"+stake, "", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("stake token on tip route: status = %d", rec.Code)
	}
}

func TestTipSessionWalletFailure(t *testing.T) {
	sw := &stubWallet{createErr: &wallet.CallError{Kind: wallet.ErrorKindHTTP, Code: 500, Message: "down"}}
	srv := newServerForTest(t, sw, &ceremonyWallet{}, nil)

	rec := doRequest(t, srv, "POST", "/api/xmr/tip/session",
		`{"streamPubkey":"`+strings.Repeat("ab", 32)+`","streamId":"live-1"}`, nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStakeSessionRequiresAuth(t *testing.T) {
	srv := newServerForTest(t, &stubWallet{}, &ceremonyWallet{}, nil)
	rec := doRequest(t, srv, "POST", "/api/xmr/stake/session",
		`{"streamPubkey":"`+strings.Repeat("ab", 32)+`","streamId":"live-1"}`, nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStakeSessionFlow(t *testing.T) {
	viewer := newSigningKey(t)
	stranger := newSigningKey(t)
	streamPK := strings.Repeat("ab", 32)
	sw := &stubWallet{created: wallet.CreatedAddress{Address: "55stakeaddr", AddressIndex: 3}}
	srv := newServerForTest(t, sw, &ceremonyWallet{}, nil)

	rec := doRequest(t, srv, "POST", "/api/xmr/stake/session",
		`{"streamPubkey":"`+streamPK+`","streamId":"live-1"}`, viewer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body)
	}
	var created paymentSessionResponse
	decodeResponse(t, rec, &created)
	if created.ViewerPubkey != pubkeyHex(viewer) {
		t.Fatalf("viewer = %s", created.ViewerPubkey)
	}
	if len(sw.labels) != 1 || !strings.HasPrefix(sw.labels[0], "dstream_stake:") {
		t.Fatalf("labels = %v", sw.labels)
	}

	one, _ := new(big.Int).SetString("1000000000000", 10)
	two, _ := new(big.Int).SetString("2000000000000", 10)
	sw.transfers = []wallet.IncomingTransfer{
		{AmountAtomic: one, Confirmations: 2, SubaddrIndex: wallet.SubaddrIndex{Minor: 3}, Txid: "s1", TimestampSec: 100},
		{AmountAtomic: two, Confirmations: 15, SubaddrIndex: wallet.SubaddrIndex{Minor: 3}, Txid: "s2", TimestampSec: 200},
	}

	verifyPath := "/api/xmr/stake/session/" + created.Session
	rec = doRequest(t, srv, "GET", verifyPath, "", viewer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d body = %s", rec.Code, rec.Body)
	}
	var verified stakeVerifyResponse
	decodeResponse(t, rec, &verified)
	if verified.TotalAtomic != "3000000000000" || verified.ConfirmedAtomic != "2000000000000" {
		t.Fatalf("verified = %+v", verified)
	}
	if verified.TransferCount != 2 || verified.LastTxid != "s2" {
		t.Fatalf("verified = %+v", verified)
	}

	// Only the viewer baked into the token may read it.
	rec = doRequest(t, srv, "GET", verifyPath, "", stranger, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger status = %d", rec.Code)
	}
}

func TestCapabilities(t *testing.T) {
	sw := &stubWallet{version: 1 << 16}
	srv := newServerForTest(t, sw, &ceremonyWallet{}, nil)

	rec := doRequest(t, srv, "GET", "/api/xmr/capabilities", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp capabilitiesResponse
	decodeResponse(t, rec, &resp)
	if resp.Mode != wallet.ProbePassive || sw.probeMode != wallet.ProbePassive {
		t.Fatalf("mode = %s / %s, want passive default", resp.Mode, sw.probeMode)
	}
	for name, verdict := range resp.Profiles {
		if !verdict.Ready {
			t.Fatalf("profile %s not ready: %+v", name, verdict)
		}
	}

	rec = doRequest(t, srv, "GET", "/api/xmr/capabilities?mode=active", "", nil, nil)
	decodeResponse(t, rec, &resp)
	if sw.probeMode != wallet.ProbeActive {
		t.Fatalf("probe mode = %s, want active", sw.probeMode)
	}
}

func TestCapabilitiesMissingMethodDegradesProfiles(t *testing.T) {
	sw := &stubWallet{version: 1, unsupported: map[string]bool{"prepare_multisig": true}}
	srv := newServerForTest(t, sw, &ceremonyWallet{}, nil)

	rec := doRequest(t, srv, "GET", "/api/xmr/capabilities", "", nil, nil)
	var resp capabilitiesResponse
	decodeResponse(t, rec, &resp)

	if !resp.Profiles["tip_v1"].Ready || !resp.Profiles["stake_v2"].Ready {
		t.Fatalf("profiles = %+v", resp.Profiles)
	}
	escrowProfile := resp.Profiles["escrow_v3_multisig"]
	if escrowProfile.Ready || len(escrowProfile.Missing) != 1 || escrowProfile.Missing[0] != "prepare_multisig" {
		t.Fatalf("escrow profile = %+v", escrowProfile)
	}
}

func TestCapabilitiesWalletDown(t *testing.T) {
	sw := &stubWallet{versionErr: &wallet.CallError{Kind: wallet.ErrorKindHTTP, Message: "refused"}}
	srv := newServerForTest(t, sw, &ceremonyWallet{}, nil)
	rec := doRequest(t, srv, "GET", "/api/xmr/capabilities", "", nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEscrowCeremonyOverHTTP(t *testing.T) {
	coordinator := newSigningKey(t)
	participant := newSigningKey(t)
	outsider := newSigningKey(t)
	cw := &ceremonyWallet{
		makeResult:  wallet.MakeMultisigResult{Address: "55escrow", MultisigInfo: "round1"},
		imported:    2,
		signedBlob:  "beef",
		submitTxids: []string{"tx-final"},
	}
	srv := newServerForTest(t, &stubWallet{}, cw, nil)

	createBody := `{"streamPubkey":"` + pubkeyHex(coordinator) + `","streamId":"live-1","participantPubkeys":["` + pubkeyHex(participant) + `"]}`
	rec := doRequest(t, srv, "POST", "/api/xmr/escrow/session", createBody, coordinator, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body)
	}
	var created escrowSessionResponse
	decodeResponse(t, rec, &created)
	if created.Session.Phase != escrow.PhaseCollectingPrepare {
		t.Fatalf("phase = %s", created.Session.Phase)
	}
	base := "/api/xmr/escrow/session/" + created.Session.SessionID

	// Outsiders see 403, unknown ids 404.
	if rec := doRequest(t, srv, "GET", base, "", outsider, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("outsider status = %d", rec.Code)
	}
	if rec := doRequest(t, srv, "GET", "/api/xmr/escrow/session/unknown", "", coordinator, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", rec.Code)
	}

	step := func(method, path, body string, key *btcec.PrivateKey) escrowSessionResponse {
		t.Helper()
		rec := doRequest(t, srv, method, path, body, key, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s %s: status = %d body = %s", method, path, rec.Code, rec.Body)
		}
		var resp escrowSessionResponse
		decodeResponse(t, rec, &resp)
		return resp
	}

	resp := step("POST", base+"/participant", `{"phase":"prepare","multisigInfo":"MultisigV1Participant"}`, participant)
	if resp.Session.Phase != escrow.PhaseMakeReady {
		t.Fatalf("phase = %s", resp.Session.Phase)
	}

	// Making before everyone joined is a conflict; exercise via a second
	// participant round after make instead: make now succeeds.
	resp = step("POST", base+"/make", "", coordinator)
	if resp.Session.Phase != escrow.PhaseCollectingExchange {
		t.Fatalf("phase = %s", resp.Session.Phase)
	}

	// Exchange before the participant contributes conflicts.
	if rec := doRequest(t, srv, "POST", base+"/exchange", "", coordinator, nil); rec.Code != http.StatusConflict {
		t.Fatalf("early exchange status = %d", rec.Code)
	}

	resp = step("POST", base+"/participant", `{"phase":"exchange","multisigInfo":"MultisigxV2Participant"}`, participant)
	if resp.Session.Phase != escrow.PhaseExchangeReady {
		t.Fatalf("phase = %s", resp.Session.Phase)
	}

	resp = step("POST", base+"/exchange", "", coordinator)
	if resp.Session.Phase != escrow.PhaseExchanged {
		t.Fatalf("phase = %s", resp.Session.Phase)
	}

	rec = doRequest(t, srv, "POST", base+"/import", `{"infos":["exported"]}`, coordinator, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d body = %s", rec.Code, rec.Body)
	}
	var imported escrowImportResponse
	decodeResponse(t, rec, &imported)
	if imported.ImportedNow != 2 || imported.Session.ImportedOutputs != 2 {
		t.Fatalf("imported = %+v", imported)
	}

	resp = step("POST", base+"/sign", `{"txDataHex":"abcd"}`, coordinator)
	if resp.Session.Phase != escrow.PhaseSigned || resp.Session.SignedTxDataHex != "beef" {
		t.Fatalf("signed = %+v", resp.Session)
	}

	resp = step("POST", base+"/submit", "", coordinator)
	if resp.Session.Phase != escrow.PhaseSubmitted || len(resp.Session.SubmittedTxids) != 1 {
		t.Fatalf("submitted = %+v", resp.Session)
	}

	// The ceremony is done; a participant write now conflicts.
	if rec := doRequest(t, srv, "POST", base+"/participant", `{"phase":"prepare","multisigInfo":"late"}`, participant, nil); rec.Code != http.StatusConflict {
		t.Fatalf("late participant status = %d", rec.Code)
	}
}

func TestEscrowIdempotencyReplay(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir() + "/gateway.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	coordinator := newSigningKey(t)
	participant := newSigningKey(t)
	cw := &ceremonyWallet{}
	srv := newServerForTest(t, &stubWallet{}, cw, store)

	body := `{"streamPubkey":"` + pubkeyHex(coordinator) + `","streamId":"live-1","participantPubkeys":["` + pubkeyHex(participant) + `"]}`
	header := http.Header{"Idempotency-Key": []string{"k1"}}

	rec := doRequest(t, srv, "POST", "/api/xmr/escrow/session", body, coordinator, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("first create status = %d body = %s", rec.Code, rec.Body)
	}
	var first escrowSessionResponse
	decodeResponse(t, rec, &first)

	rec = doRequest(t, srv, "POST", "/api/xmr/escrow/session", body, coordinator, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d body = %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatal("replay must be flagged")
	}
	var second escrowSessionResponse
	decodeResponse(t, rec, &second)
	if second.Session.SessionID != first.Session.SessionID {
		t.Fatalf("replay minted a new session: %s vs %s", second.Session.SessionID, first.Session.SessionID)
	}
	if cw.prepareCalls != 1 {
		t.Fatalf("prepare calls = %d, replay must not reach the wallet", cw.prepareCalls)
	}

	// Same key with a different body is a conflict.
	other := `{"streamPubkey":"` + pubkeyHex(coordinator) + `","streamId":"live-2","participantPubkeys":["` + pubkeyHex(participant) + `"]}`
	rec = doRequest(t, srv, "POST", "/api/xmr/escrow/session", other, coordinator, header)
	if rec.Code != http.StatusConflict {
		t.Fatalf("mismatched body status = %d", rec.Code)
	}
}

func TestEscrowRoutesRequireAuth(t *testing.T) {
	srv := newServerForTest(t, &stubWallet{}, &ceremonyWallet{}, nil)
	paths := []struct{ method, path string }{
		{"POST", "/api/xmr/escrow/session"},
		{"GET", "/api/xmr/escrow/session/x"},
		{"POST", "/api/xmr/escrow/session/x/participant"},
		{"POST", "/api/xmr/escrow/session/x/make"},
		{"POST", "/api/xmr/escrow/session/x/exchange"},
		{"POST", "/api/xmr/escrow/session/x/import"},
		{"POST", "/api/xmr/escrow/session/x/sign"},
		{"POST", "/api/xmr/escrow/session/x/submit"},
	}
	for _, p := range paths {
		rec := doRequest(t, srv, p.method, p.path, "", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: status = %d", p.method, p.path, rec.Code)
		}
	}
}
