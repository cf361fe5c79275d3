package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// ErrSecretRequired is returned when no signing secret is configured and the
// environment does not allow generating an ephemeral one.
var ErrSecretRequired = errors.New("session: signing secret is required in production")

// Secret supplies the HMAC key used to sign and verify session tokens. An
// explicitly configured value always wins. Without one, a non-production
// environment gets a random secret generated once per process, so tokens
// only survive that process's lifetime; production without a configured
// secret is a configuration error surfaced at first use.
type Secret struct {
	configured string
	production bool

	once      sync.Once
	generated string
	genErr    error
}

// NewSecret builds a secret source. env is the deployment environment name;
// anything other than "production" permits the ephemeral fallback.
func NewSecret(configured, env string) *Secret {
	return &Secret{
		configured: strings.TrimSpace(configured),
		production: strings.EqualFold(strings.TrimSpace(env), "production"),
	}
}

// Key resolves the signing key, generating the per-process fallback lazily.
func (s *Secret) Key() ([]byte, error) {
	if s.configured != "" {
		return []byte(s.configured), nil
	}
	if s.production {
		return nil, ErrSecretRequired
	}
	s.once.Do(func() {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			s.genErr = err
			return
		}
		s.generated = hex.EncodeToString(buf)
	})
	if s.genErr != nil {
		return nil, s.genErr
	}
	return []byte(s.generated), nil
}
