// Package gateway exposes the payment and escrow coordination API over HTTP.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3KD/dStream-sub001/escrow"
	"github.com/3KD/dStream-sub001/gateway/auth"
	"github.com/3KD/dStream-sub001/observability"
	"github.com/3KD/dStream-sub001/payment"
	"github.com/3KD/dStream-sub001/session"
	"github.com/3KD/dStream-sub001/wallet"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// WalletAPI is the slice of the wallet client the HTTP handlers call directly.
// The escrow engine holds its own narrower interface.
type WalletAPI interface {
	GetVersion(ctx context.Context) (uint64, error)
	CreateAddress(ctx context.Context, accountIndex uint32, label string) (wallet.CreatedAddress, error)
	GetAddress(ctx context.Context, accountIndex uint32) (wallet.AccountAddress, error)
	Refresh(ctx context.Context) error
	GetIncomingTransfers(ctx context.Context) ([]wallet.IncomingTransfer, error)
	GetBalance(ctx context.Context, accountIndex uint32, addressIndices []uint32) (wallet.Balance, error)
	SweepAll(ctx context.Context, accountIndex, addressIndex uint32, destination string) (wallet.SweepResult, error)
	ProbeMethods(ctx context.Context, methods []string, mode wallet.ProbeMode) []wallet.MethodProbe
}

// Config carries the dependencies required to construct the server.
type Config struct {
	Wallet         WalletAPI
	Engine         *escrow.Engine
	Codec          *session.Codec
	Verifier       *auth.Verifier
	Store          *SQLiteStore
	Metrics        *observability.Metrics
	Logger         *slog.Logger
	AccountIndex   uint32
	Confirmations  uint64
	RequestTimeout time.Duration

	// SlashMinAge is the quiet window a stake subaddress must observe after
	// its last deposit before it may be slashed. Zero selects the default.
	SlashMinAge  time.Duration
	RefundPolicy payment.RefundPolicy

	// SessionRatePerMinute throttles session creation per client IP. Zero or
	// negative disables the limiter.
	SessionRatePerMinute float64
	SessionRateBurst     int
}

// Server wires the HTTP surface to the wallet, the escrow engine and the
// token codec.
type Server struct {
	wallet         WalletAPI
	engine         *escrow.Engine
	codec          *session.Codec
	verifier       *auth.Verifier
	store          *SQLiteStore
	metrics        *observability.Metrics
	logger         *slog.Logger
	accountIndex   uint32
	confirmations  uint64
	requestTimeout time.Duration
	slashMinAge    time.Duration
	refundPolicy   payment.RefundPolicy
	limiter        *rateLimiter
	nowFn          func() time.Time

	router http.Handler
}

// New constructs a configured server and its router.
func New(cfg Config) *Server {
	if cfg.Wallet == nil {
		panic("gateway: wallet client required")
	}
	if cfg.Engine == nil {
		panic("gateway: escrow engine required")
	}
	if cfg.Codec == nil {
		panic("gateway: session codec required")
	}
	if cfg.Verifier == nil {
		panic("gateway: auth verifier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	slashMinAge := cfg.SlashMinAge
	if slashMinAge <= 0 {
		slashMinAge = time.Hour
	}
	s := &Server{
		wallet:         cfg.Wallet,
		engine:         cfg.Engine,
		codec:          cfg.Codec,
		verifier:       cfg.Verifier,
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		logger:         logger,
		accountIndex:   cfg.AccountIndex,
		confirmations:  cfg.Confirmations,
		requestTimeout: timeout,
		slashMinAge:    slashMinAge,
		refundPolicy:   cfg.RefundPolicy,
		nowFn:          time.Now,
	}
	if cfg.SessionRatePerMinute > 0 {
		s.limiter = newRateLimiter(cfg.SessionRatePerMinute, cfg.SessionRateBurst)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(chimw.Timeout(s.requestTimeout))

	r.Get("/healthz", s.Healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/xmr", func(api chi.Router) {
		api.Get("/capabilities", s.Capabilities)

		api.With(s.rateLimit).Post("/tip/session", s.CreateTipSession)
		api.Get("/tip/session/{token}", s.VerifyTipSession)
		api.Post("/tip/list", s.ListTips)

		api.With(s.rateLimit).Post("/stake/session", s.CreateStakeSession)
		api.Get("/stake/session/{token}", s.VerifyStakeSession)
		api.Post("/stake/session/{token}/refund", s.RefundStake)
		api.Post("/stake/list", s.ListStakes)
		api.Post("/stake/slash", s.SlashStake)

		api.Route("/escrow/session", func(esc chi.Router) {
			esc.Post("/", s.CreateEscrowSession)
			esc.Route("/{sessionId}", func(sess chi.Router) {
				sess.Get("/", s.GetEscrowSession)
				sess.Post("/participant", s.EscrowParticipant)
				sess.Post("/make", s.EscrowMake)
				sess.Post("/exchange", s.EscrowExchange)
				sess.Post("/import", s.EscrowImport)
				sess.Post("/sign", s.EscrowSign)
				sess.Post("/submit", s.EscrowSubmit)
			})
		})
	})
	return r
}

// Healthz reports liveness only; it never touches the wallet.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate runs the signed-event gate and writes the 401 itself on
// failure, returning nil in that case.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *auth.Principal {
	principal, err := s.verifier.Authenticate(r)
	if err != nil {
		s.logger.Debug("auth rejected", "path", r.URL.Path, "reason", err.Error())
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return nil
	}
	return principal
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		s.writeError(w, http.StatusBadRequest, "request body unreadable or too large")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEscrowError maps engine errors onto HTTP statuses: validation 400,
// authorization 403, unknown session 404, phase and readiness conflicts 409,
// upstream wallet failures 502.
func (s *Server) writeEscrowError(w http.ResponseWriter, err error) int {
	var (
		validationErr *escrow.ValidationError
		authErr       *escrow.AuthError
		phaseErr      *escrow.PhaseError
		notReadyErr   *escrow.NotReadyError
		callErr       *wallet.CallError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.As(err, &authErr):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.As(err, &phaseErr), errors.As(err, &notReadyErr):
		status = http.StatusConflict
	case errors.As(err, &callErr):
		status = http.StatusBadGateway
	}
	s.writeError(w, status, err.Error())
	return status
}

func (s *Server) audit(r *http.Request, pubkey, sessionID, operation string, status int) {
	if s.store == nil {
		return
	}
	entry := AuditEntry{
		Pubkey:         pubkey,
		Method:         r.Method,
		Path:           r.URL.Path,
		SessionID:      sessionID,
		Operation:      operation,
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
		s.logger.Error("audit insert failed", "operation", operation, "error", err)
	}
}

func makeNonce() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
