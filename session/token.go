package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	tokenVersion = 1

	// TypeTip and TypeStake discriminate the two token flavours.
	TypeTip   = "xmr_tip_session"
	TypeStake = "xmr_stake_session"
)

var hex64Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsHex64 reports whether s is a lowercase-insensitive 64-character hex
// identifier, the shape used for all actor public keys.
func IsHex64(s string) bool {
	return hex64Pattern.MatchString(strings.ToLower(s))
}

// Token is the signed claim binding a stream (and, for stakes, a viewer) to
// one wallet subaddress. The holder treats it as opaque; only its two
// base64url segments are visible structure.
type Token struct {
	Version      int    `json:"v"`
	Type         string `json:"t"`
	StreamPubkey string `json:"streamPubkey"`
	StreamID     string `json:"streamId"`
	ViewerPubkey string `json:"viewerPubkey,omitempty"`
	AccountIndex uint32 `json:"accountIndex"`
	AddressIndex uint32 `json:"addressIndex"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	Nonce        string `json:"nonce"`
}

// Codec signs and verifies session tokens with a process-wide secret.
type Codec struct {
	secret *Secret
}

// NewCodec wires the codec to its secret source.
func NewCodec(secret *Secret) *Codec {
	return &Codec{secret: secret}
}

// Sign serializes the payload and appends its HMAC-SHA256 signature:
// base64url(JSON) + "." + base64url(mac). Expiry is the caller's concern.
func (c *Codec) Sign(payload Token) (string, error) {
	if err := validatePayload(payload); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac, err := c.hmac(raw)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify checks the token's signature and schema, returning the payload or
// nil. Every failure mode collapses to nil: malformed base64, wrong segment
// count, schema violations, and signature mismatch are all indistinguishable
// from an absent token, and Verify never returns an error for bad input.
func (c *Codec) Verify(token string) *Token {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	// The mac is re-derived over the decoded JSON text, not a re-serialized
	// payload, so key ordering quirks cannot break verification.
	expected, err := c.hmac(raw)
	if err != nil {
		return nil
	}
	if !hmac.Equal(sig, expected) {
		return nil
	}
	var payload Token
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	if err := validatePayload(payload); err != nil {
		return nil
	}
	return &payload
}

func (c *Codec) hmac(payload []byte) ([]byte, error) {
	key, err := c.secret.Key()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

func validatePayload(payload Token) error {
	if payload.Version != tokenVersion {
		return fmt.Errorf("session: unsupported token version %d", payload.Version)
	}
	switch payload.Type {
	case TypeTip:
		if payload.ViewerPubkey != "" {
			return fmt.Errorf("session: tip token must not carry a viewer pubkey")
		}
	case TypeStake:
		if !IsHex64(payload.ViewerPubkey) {
			return fmt.Errorf("session: stake token requires a hex64 viewer pubkey")
		}
	default:
		return fmt.Errorf("session: unknown token type %q", payload.Type)
	}
	if !IsHex64(payload.StreamPubkey) {
		return fmt.Errorf("session: stream pubkey must be hex64")
	}
	if strings.TrimSpace(payload.StreamID) == "" {
		return fmt.Errorf("session: stream id is required")
	}
	if payload.CreatedAtMs <= 0 {
		return fmt.Errorf("session: createdAtMs must be positive")
	}
	if strings.TrimSpace(payload.Nonce) == "" {
		return fmt.Errorf("session: nonce is required")
	}
	return nil
}

// TipLabel builds the wallet subaddress label for a tip session.
func TipLabel(streamPubkey, streamID, nonce string) string {
	return "dstream_tip:" + streamPubkey + ":" + streamID + ":" + nonce
}

// StakeLabel builds the wallet subaddress label for a stake session.
func StakeLabel(streamPubkey, streamID, nonce string) string {
	return "dstream_stake:" + streamPubkey + ":" + streamID + ":" + nonce
}
