package githost

import (
	"context"
	"errors"
	"fmt"

	"github.com/kazz187/taskpilot/internal/identity"
	"github.com/kazz187/taskpilot/pkg/vault"
)

type Decrypter interface {
	Decrypt(token string) (vault.Secret, error)
}

// TokenSource yields the host token used for a task of id.
type TokenSource interface {
	Token(ctx context.Context, id *identity.Identity) (vault.Secret, error)
}

var ErrNoToken = errors.New("no source-control token configured")

// StaticTokenSource returns the server-wide token unless the identity
// carries its own (vault-encrypted) one.
type StaticTokenSource struct {
	token string
	vault Decrypter
}

func NewStaticTokenSource(token string, v Decrypter) *StaticTokenSource {
	return &StaticTokenSource{token: token, vault: v}
}

func (s *StaticTokenSource) Token(_ context.Context, id *identity.Identity) (vault.Secret, error) {
	if id != nil && id.GitHubToken != "" {
		tok, err := s.vault.Decrypt(id.GitHubToken)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt github token: %w", err)
		}
		return tok, nil
	}
	if s.token == "" {
		return "", ErrNoToken
	}
	return vault.Secret(s.token), nil
}
