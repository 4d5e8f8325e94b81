// Package capability assembles the tools an identity's task may use.
package capability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/taskpilot/internal/identity"
	"github.com/kazz187/taskpilot/internal/integration/linear"
	"github.com/kazz187/taskpilot/internal/integration/sentry"
	"github.com/kazz187/taskpilot/internal/integration/slack"
	"github.com/kazz187/taskpilot/internal/taskevent"
	"github.com/kazz187/taskpilot/internal/tool"
	"github.com/kazz187/taskpilot/pkg/vault"
)

type Decrypter interface {
	Decrypt(token string) (vault.Secret, error)
}

// Endpoints overrides integration API base URLs. Empty means the
// public service.
type Endpoints struct {
	SlackAPIURL  string
	LinearAPIURL string
	SentryAPIURL string
}

type Registry struct {
	vault     Decrypter
	recorder  taskevent.Recorder
	endpoints Endpoints
}

func NewRegistry(v Decrypter, rec taskevent.Recorder, endpoints Endpoints) *Registry {
	return &Registry{vault: v, recorder: rec, endpoints: endpoints}
}

// ToolsFor returns one tool group per integration configured on id, in
// the order chat, issue tracker, error tracker. Credentials are
// decrypted here and live only inside the returned tools.
func (r *Registry) ToolsFor(ctx context.Context, id *identity.Identity) ([]tool.Tool, error) {
	var tools []tool.Tool
	var groups []string

	if c := id.Slack; c != nil && (c.BotToken != "" || c.UserToken != "") {
		bot, err := r.decrypt(c.BotToken, "slack bot token")
		if err != nil {
			return nil, err
		}
		user, err := r.decrypt(c.UserToken, "slack user token")
		if err != nil {
			return nil, err
		}
		tools = append(tools, slack.Tools(slack.Config{
			BotToken:  bot.Reveal(),
			UserToken: user.Reveal(),
			APIURL:    r.endpoints.SlackAPIURL,
		}, r.recorder)...)
		groups = append(groups, "slack")
	}

	if c := id.Linear; c != nil && c.AccessToken != "" {
		token, err := r.decrypt(c.AccessToken, "linear access token")
		if err != nil {
			return nil, err
		}
		tools = append(tools, linear.Tools(linear.Config{
			AccessToken: token.Reveal(),
			APIURL:      r.endpoints.LinearAPIURL,
		}, r.recorder)...)
		groups = append(groups, "linear")
	}

	if c := id.Sentry; c != nil && c.AuthToken != "" {
		token, err := r.decrypt(c.AuthToken, "sentry auth token")
		if err != nil {
			return nil, err
		}
		tools = append(tools, sentry.Tools(sentry.Config{
			AuthToken:    token.Reveal(),
			Organization: c.Organization,
			APIURL:       r.endpoints.SentryAPIURL,
		}, r.recorder)...)
		groups = append(groups, "sentry")
	}

	slog.DebugContext(ctx, "capabilities assembled", "username", id.Username, "groups", groups, "tools", len(tools))
	return tools, nil
}

func (r *Registry) decrypt(token, what string) (vault.Secret, error) {
	if token == "" {
		return "", nil
	}
	s, err := r.vault.Decrypt(token)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", what, err)
	}
	return s, nil
}
