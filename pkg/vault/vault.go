// Package vault encrypts integration credentials at rest.
//
// Tokens are Fernet tokens keyed by SHA-256 of the configured secret, so
// values written by other Fernet implementations with the same secret
// decrypt here unchanged.
package vault

import (
	"crypto/sha256"
	"errors"
	"log/slog"

	"github.com/fernet/fernet-go"
)

var (
	ErrEmptySecret  = errors.New("vault: empty secret")
	ErrInvalidToken = errors.New("vault: invalid or tampered token")
)

// Vault is safe for concurrent use; it holds no mutable state.
type Vault struct {
	primary *fernet.Key
	keys    []*fernet.Key
}

// New builds a Vault that encrypts with secret and also accepts tokens
// produced with any of the previous secrets.
func New(secret string, previous ...string) (*Vault, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	v := &Vault{}
	for _, s := range append([]string{secret}, previous...) {
		if s == "" {
			continue
		}
		k := deriveKey(s)
		v.keys = append(v.keys, k)
	}
	v.primary = v.keys[0]
	return v, nil
}

func deriveKey(secret string) *fernet.Key {
	k := fernet.Key(sha256.Sum256([]byte(secret)))
	return &k
}

func (v *Vault) Encrypt(plain string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plain), v.primary)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

func (v *Vault) Decrypt(token string) (Secret, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, v.keys)
	if msg == nil {
		return "", ErrInvalidToken
	}
	return Secret(msg), nil
}

// Secret is a decrypted credential. It prints and logs redacted; call
// Reveal at the point where the plaintext is handed to an API client.
type Secret string

func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) GoString() string { return s.String() }

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }
