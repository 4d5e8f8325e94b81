// Package identity supplies requesting identities and their integration
// credentials. Credentials stay vault-encrypted here; they are decrypted
// only by the capability registry.
package identity

import "context"

type Identity struct {
	Username        string `yaml:"username" toml:"username"`
	DiscountPercent int    `yaml:"discount_percent" toml:"discount_percent"`
	// GitHubToken overrides the server-wide token for this identity.
	GitHubToken string             `yaml:"github_token,omitempty" toml:"github_token,omitempty"`
	Slack       *SlackCredentials  `yaml:"slack,omitempty" toml:"slack,omitempty"`
	Linear      *LinearCredentials `yaml:"linear,omitempty" toml:"linear,omitempty"`
	Sentry      *SentryCredentials `yaml:"sentry,omitempty" toml:"sentry,omitempty"`
}

type SlackCredentials struct {
	BotToken  string `yaml:"bot_token" toml:"bot_token"`
	UserToken string `yaml:"user_token" toml:"user_token"`
}

type LinearCredentials struct {
	AccessToken string `yaml:"access_token" toml:"access_token"`
}

type SentryCredentials struct {
	AuthToken    string `yaml:"auth_token" toml:"auth_token"`
	Organization string `yaml:"organization" toml:"organization"`
}

type Provider interface {
	Get(ctx context.Context, username string) (*Identity, error)
}
