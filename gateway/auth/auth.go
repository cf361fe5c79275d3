// Package auth gates gateway requests on a signed identity event carried in
// the Authorization header. The event is a kind 27235 JSON object signed with
// a BIP-340 Schnorr key; its tags bind the signature to the request method
// and URL, and its timestamp bounds replay to a short window.
package auth

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const (
	// Scheme is the Authorization scheme carrying the base64-encoded event.
	Scheme = "Nostr"
	// EventKind is the only event kind accepted for HTTP authentication.
	EventKind = 27235
	// DefaultClockSkew bounds how far the event timestamp may drift from
	// server time in either direction.
	DefaultClockSkew = 60 * time.Second

	maxHeaderBytes = 16 << 10
)

var (
	ErrMissingHeader  = errors.New("auth: missing Authorization header")
	ErrMalformedEvent = errors.New("auth: malformed auth event")
	ErrWrongKind      = errors.New("auth: unexpected event kind")
	ErrStaleTimestamp = errors.New("auth: event timestamp outside allowed skew")
	ErrURLMismatch    = errors.New("auth: event url does not match request")
	ErrMethodMismatch = errors.New("auth: event method does not match request")
	ErrBadSignature   = errors.New("auth: event signature invalid")
)

// Event is the signed identity event presented by the caller. Field order in
// the canonical serialization is fixed; the JSON tags below only cover the
// wire form of the event itself.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first value of the named tag.
func (e *Event) Tag(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// hash computes the canonical event id: the SHA-256 of the JSON array
// [0, pubkey, created_at, kind, tags, content] with HTML escaping disabled.
func (e *Event) hash() ([32]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	payload := []interface{}{0, e.Pubkey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	if err := enc.Encode(payload); err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Principal identifies the authenticated caller.
type Principal struct {
	Pubkey string
}

// Verifier validates signed auth events against incoming requests.
type Verifier struct {
	skew  time.Duration
	nowFn func() time.Time
}

// NewVerifier builds a verifier with the given clock skew tolerance
// (defaulted when non-positive).
func NewVerifier(skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	return &Verifier{skew: skew, nowFn: time.Now}
}

// SetNowFunc overrides the time source. Intended for tests.
func (v *Verifier) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	v.nowFn = now
}

// Authenticate checks the request's Authorization header and returns the
// caller's pubkey when the event is valid, signed, fresh, and bound to this
// request's method and URL.
func (v *Verifier) Authenticate(r *http.Request) (*Principal, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, ErrMissingHeader
	}
	if len(header) > maxHeaderBytes {
		return nil, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedEvent, maxHeaderBytes)
	}
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return nil, fmt.Errorf("%w: expected %s scheme", ErrMalformedEvent, Scheme)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return v.verify(r, &event)
}

func (v *Verifier) verify(r *http.Request, event *Event) (*Principal, error) {
	pubkey := strings.ToLower(strings.TrimSpace(event.Pubkey))
	if !isHex64(pubkey) {
		return nil, fmt.Errorf("%w: pubkey must be 64 hex characters", ErrMalformedEvent)
	}
	if event.Kind != EventKind {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongKind, event.Kind, EventKind)
	}

	now := v.nowFn()
	drift := now.Sub(time.Unix(event.CreatedAt, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return nil, fmt.Errorf("%w: drift %s exceeds %s", ErrStaleTimestamp, drift.Truncate(time.Second), v.skew)
	}

	method, ok := event.Tag("method")
	if !ok || !strings.EqualFold(method, r.Method) {
		return nil, fmt.Errorf("%w: tag %q, request %s", ErrMethodMismatch, method, r.Method)
	}
	target, ok := event.Tag("u")
	if !ok {
		return nil, fmt.Errorf("%w: missing u tag", ErrURLMismatch)
	}
	if err := matchRequestURL(r, target); err != nil {
		return nil, err
	}

	if err := verifySignature(event, pubkey); err != nil {
		return nil, err
	}
	return &Principal{Pubkey: pubkey}, nil
}

// matchRequestURL requires the signed u tag to resolve to the same path and
// query the request carries. Scheme and host are not compared because the
// service commonly sits behind a TLS-terminating proxy.
func matchRequestURL(r *http.Request, target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURLMismatch, err)
	}
	if u.EscapedPath() != r.URL.EscapedPath() {
		return fmt.Errorf("%w: tag path %q, request path %q", ErrURLMismatch, u.EscapedPath(), r.URL.EscapedPath())
	}
	if u.RawQuery != r.URL.RawQuery {
		return fmt.Errorf("%w: query mismatch", ErrURLMismatch)
	}
	return nil
}

// VerifyEventSignature checks an event's id and Schnorr signature without
// binding it to a request, returning the normalized signer pubkey. Signed
// payloads other than the Authorization event, such as serving receipts, are
// verified through this path.
func VerifyEventSignature(event *Event) (string, error) {
	pubkey := strings.ToLower(strings.TrimSpace(event.Pubkey))
	if !isHex64(pubkey) {
		return "", fmt.Errorf("%w: pubkey must be 64 hex characters", ErrMalformedEvent)
	}
	if err := verifySignature(event, pubkey); err != nil {
		return "", err
	}
	return pubkey, nil
}

func verifySignature(event *Event, pubkey string) error {
	id, err := event.hash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !strings.EqualFold(event.ID, hex.EncodeToString(id[:])) {
		return fmt.Errorf("%w: id does not match event contents", ErrBadSignature)
	}
	pkBytes, err := hex.DecodeString(pubkey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sigBytes, err := hex.DecodeString(strings.TrimSpace(event.Sig))
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return fmt.Errorf("%w: signature must be %d hex-encoded bytes", ErrBadSignature, schnorr.SignatureSize)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !sig.Verify(id[:], pk) {
		return ErrBadSignature
	}
	return nil
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
