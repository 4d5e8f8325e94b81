package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskpilot/internal/identity"
	"github.com/kazz187/taskpilot/pkg/vault"
)

func names(t *testing.T, r *Registry, id *identity.Identity) []string {
	t.Helper()
	tools, err := r.ToolsFor(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, tl := range tools {
		out = append(out, tl.Name())
	}
	return out
}

func TestToolsFor(t *testing.T) {
	v, err := vault.New("secret")
	require.NoError(t, err)
	enc := func(s string) string {
		tok, err := v.Encrypt(s)
		require.NoError(t, err)
		return tok
	}
	r := NewRegistry(v, nil, Endpoints{})

	assert.Empty(t, names(t, r, &identity.Identity{Username: "bare"}))

	full := &identity.Identity{
		Username: "alice",
		Sentry:   &identity.SentryCredentials{AuthToken: enc("s"), Organization: "acme"},
		Linear:   &identity.LinearCredentials{AccessToken: enc("l")},
		Slack:    &identity.SlackCredentials{BotToken: enc("b"), UserToken: enc("u")},
	}
	assert.Equal(t, []string{
		"search_slack_workspace", "post_slack_message",
		"search_linear_workspace", "create_linear_issue",
		"search_sentry_issues", "get_sentry_events",
	}, names(t, r, full))

	onlySentry := &identity.Identity{Username: "bob", Sentry: &identity.SentryCredentials{AuthToken: enc("s"), Organization: "acme"}}
	assert.Equal(t, []string{"search_sentry_issues", "get_sentry_events"}, names(t, r, onlySentry))

	// Configured but empty credentials contribute nothing.
	empty := &identity.Identity{Username: "carol", Slack: &identity.SlackCredentials{}, Linear: &identity.LinearCredentials{}}
	assert.Empty(t, names(t, r, empty))
}

func TestToolsForDecryptFailure(t *testing.T) {
	v, err := vault.New("secret")
	require.NoError(t, err)
	other, err := vault.New("other")
	require.NoError(t, err)
	foreign, err := other.Encrypt("tok")
	require.NoError(t, err)

	r := NewRegistry(v, nil, Endpoints{})
	_, err = r.ToolsFor(context.Background(), &identity.Identity{
		Username: "alice",
		Linear:   &identity.LinearCredentials{AccessToken: foreign},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, vault.ErrInvalidToken)
}
