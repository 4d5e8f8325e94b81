package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".taskpilot/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket   string `envconfig:"S3_BUCKET"`
	S3Prefix   string `envconfig:"S3_PREFIX" default:"taskpilot/"`
	S3Region   string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	S3Endpoint string `envconfig:"S3_ENDPOINT"`
	// SQLite settings (used when Type == "sqlite")
	SQLitePath string `envconfig:"SQLITE_PATH" default:".taskpilot/taskpilot.db"`
	// PostgreSQL settings (used when Type == "postgres")
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
}

type VaultEnv struct {
	SecretKey         string   `envconfig:"SECRET_KEY" required:"true"`
	PreviousSecretKey []string `envconfig:"PREVIOUS_SECRET_KEYS"`
}

type GitEnv struct {
	RepoCacheDir             string        `envconfig:"REPO_CACHE_DIR" default:".taskpilot/cache"`
	WorkspaceDir             string        `envconfig:"WORKSPACE_DIR" default:".taskpilot/workspaces"`
	GitHubToken              string        `envconfig:"GITHUB_TOKEN"`
	GitHubHost               string        `envconfig:"GITHUB_HOST" default:"github.com"`
	GitHubAPIURL             string        `envconfig:"GITHUB_API_URL"`
	GitTimeout               time.Duration `envconfig:"GIT_TIMEOUT" default:"5m"`
	CommitAuthorName         string        `envconfig:"COMMIT_AUTHOR_NAME" default:"TaskPilot"`
	CommitAuthorEmail        string        `envconfig:"COMMIT_AUTHOR_EMAIL" default:"taskpilot@users.noreply.github.com"`
	CacheMaintenanceSchedule string        `envconfig:"CACHE_MAINTENANCE_SCHEDULE" default:"@daily"`
	WorkspaceMaxAge          time.Duration `envconfig:"WORKSPACE_MAX_AGE" default:"24h"`
}

type EngineEnv struct {
	MaxConcurrentTasks  int                `envconfig:"MAX_CONCURRENT_TASKS" default:"4"`
	QueueSize           int                `envconfig:"QUEUE_SIZE" default:"256"`
	TaskTimeout         time.Duration      `envconfig:"TASK_TIMEOUT" default:"45m"`
	BranchMaxLength     int                `envconfig:"BRANCH_MAX_LENGTH" default:"50"`
	PushRetries         int                `envconfig:"PUSH_RETRIES" default:"3"`
	DefaultModel        string             `envconfig:"DEFAULT_MODEL" default:"claude-sonnet-4-5"`
	ModelCredits        map[string]float64 `envconfig:"MODEL_CREDITS"`
	DefaultAgentCredits float64            `envconfig:"DEFAULT_AGENT_CREDITS" default:"10"`
	ToolCallCredits     float64            `envconfig:"TOOL_CALL_CREDITS" default:"0"`
	DefaultBudget       float64            `envconfig:"DEFAULT_BUDGET" default:"500"`
	MaxImageBytes       int                `envconfig:"MAX_IMAGE_BYTES" default:"204800"`
}

type AgentEnv struct {
	MaxTurns     int    `envconfig:"AGENT_MAX_TURNS" default:"100"`
	SystemPrompt string `envconfig:"AGENT_SYSTEM_PROMPT"`
}

type IdentityEnv struct {
	IdentityFile string `envconfig:"IDENTITY_FILE" default:".taskpilot/identities.yaml"`
}

type IntegrationEnv struct {
	SlackAPIURL  string `envconfig:"SLACK_API_URL"`
	LinearAPIURL string `envconfig:"LINEAR_API_URL" default:"https://api.linear.app/graphql"`
	SentryAPIURL string `envconfig:"SENTRY_API_URL" default:"https://sentry.io/api/0"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	VaultEnv
	GitEnv
	EngineEnv
	AgentEnv
	IdentityEnv
	IntegrationEnv
	VAPIDEnv
}

const namespace = "TASKPILOT"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Env) validate() error {
	if e.APIKey == "" || e.SecretKey == "" {
		return fmt.Errorf("%s_API_KEY and %s_SECRET_KEY must not be empty", namespace, namespace)
	}
	switch e.StorageEnv.Type {
	case "local", "sqlite":
	case "s3":
		if e.S3Bucket == "" {
			return fmt.Errorf("%s_S3_BUCKET is required for s3 storage", namespace)
		}
	case "postgres":
		if e.PostgresDSN == "" {
			return fmt.Errorf("%s_POSTGRES_DSN is required for postgres storage", namespace)
		}
	default:
		return fmt.Errorf("unknown storage type %q", e.StorageEnv.Type)
	}
	if e.MaxConcurrentTasks < 1 {
		return fmt.Errorf("%s_MAX_CONCURRENT_TASKS must be at least 1", namespace)
	}
	return nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

// AgentCredits is the metered cost of one agent invocation with model.
func (e *EngineEnv) AgentCredits(model string) float64 {
	if c, ok := e.ModelCredits[model]; ok {
		return c
	}
	return e.DefaultAgentCredits
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}
