package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	server "github.com/kazz187/taskpilot/internal"
	"github.com/kazz187/taskpilot/internal/agent"
	"github.com/kazz187/taskpilot/internal/billing"
	billingrepo "github.com/kazz187/taskpilot/internal/billing/repositoryimpl"
	"github.com/kazz187/taskpilot/internal/capability"
	"github.com/kazz187/taskpilot/internal/config"
	"github.com/kazz187/taskpilot/internal/engine"
	"github.com/kazz187/taskpilot/internal/eventbus"
	"github.com/kazz187/taskpilot/internal/githost"
	"github.com/kazz187/taskpilot/internal/identity"
	"github.com/kazz187/taskpilot/internal/pushnotification"
	pushsubrepo "github.com/kazz187/taskpilot/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/taskpilot/internal/repocache"
	"github.com/kazz187/taskpilot/internal/task"
	taskrepo "github.com/kazz187/taskpilot/internal/task/repositoryimpl"
	"github.com/kazz187/taskpilot/internal/taskevent"
	taskeventrepo "github.com/kazz187/taskpilot/internal/taskevent/repositoryimpl"
	"github.com/kazz187/taskpilot/pkg/branchname"
	"github.com/kazz187/taskpilot/pkg/clog"
	"github.com/kazz187/taskpilot/pkg/gitcmd"
	"github.com/kazz187/taskpilot/pkg/storage"
	"github.com/kazz187/taskpilot/pkg/vault"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level), clog.WithColor(true))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, env); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func newStorage(ctx context.Context, env *config.StorageEnv) (storage.Storage, func(), error) {
	switch env.Type {
	case "s3":
		s, err := storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region, env.S3Endpoint)
		return s, func() {}, err
	case "sqlite":
		s, err := storage.NewSQLiteStorage(ctx, env.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := storage.NewPostgresStorage(ctx, env.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := storage.NewLocalStorage(env.BaseDir)
		return s, func() {}, err
	}
}

func run(ctx context.Context, env *config.Env) error {
	// Setup storage
	store, closeStore, err := newStorage(ctx, &env.StorageEnv)
	if err != nil {
		return err
	}
	defer closeStore()
	slog.Info("storage ready", "type", env.StorageEnv.Type)

	v, err := vault.New(env.SecretKey, env.PreviousSecretKey...)
	if err != nil {
		return err
	}
	identities, err := identity.NewFileProvider(env.IdentityFile)
	if err != nil {
		return err
	}

	// Setup event bus
	bus := eventbus.New()

	// Setup repositories
	tasks := taskrepo.NewYAMLRepository(store)
	events := taskevent.NewService(taskeventrepo.NewYAMLRepository(store), bus)
	ledger := billing.NewLedger(billingrepo.NewYAMLRepository(store), env.DefaultBudget)
	pushSubs := pushsubrepo.NewYAMLRepository(store)

	git := &gitcmd.Runner{
		Timeout:     env.GitTimeout,
		AuthorName:  env.CommitAuthorName,
		AuthorEmail: env.CommitAuthorEmail,
	}
	workspaces := repocache.NewManager(env.RepoCacheDir, env.WorkspaceDir, env.GitHubHost, git)
	janitor, err := repocache.NewJanitor(workspaces, env.CacheMaintenanceSchedule, env.WorkspaceMaxAge)
	if err != nil {
		return err
	}
	host, err := githost.NewGitHub(env.GitHubAPIURL)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Deps{
		Tasks:      tasks,
		Identities: identities,
		Tokens:     githost.NewStaticTokenSource(env.GitHubToken, v),
		Workspaces: workspaces,
		Git:        git,
		Branches:   branchname.NewResolver(env.BranchMaxLength),
		Host:       host,
		Toolbox: capability.NewRegistry(v, events, capability.Endpoints{
			SlackAPIURL:  env.SlackAPIURL,
			LinearAPIURL: env.LinearAPIURL,
			SentryAPIURL: env.SentryAPIURL,
		}),
		Agent:  agent.NewClaudeAgent(env.SystemPrompt, env.MaxTurns),
		Events: events,
		Ledger: ledger,
		Bus:    bus,
	}, engine.Config{
		PushRetries:     env.PushRetries,
		TaskTimeout:     env.TaskTimeout,
		ToolCallCredits: env.ToolCallCredits,
		AgentCredits:    env.AgentCredits,
	})
	dispatcher := engine.NewDispatcher(eng, tasks, identities, ledger, bus, engine.IntakeConfig{
		MaxConcurrentTasks: env.MaxConcurrentTasks,
		QueueSize:          env.QueueSize,
		MaxImageBytes:      env.MaxImageBytes,
		DefaultModel:       env.DefaultModel,
	})

	// Setup push notification
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := pushnotification.NewSender(vapidEnv, pushSubs)
	pushService := pushnotification.NewService(vapidEnv, pushSubs, pushSender)
	pushDispatcher := pushnotification.NewDispatcher(bus, tasks, pushSender)

	srv := server.NewServer(env, task.NewServer(tasks, dispatcher, events, ledger, bus), pushService)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return identities.Watch(gctx) })
	g.Go(func() error {
		janitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		pushDispatcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		// Give active connections time to finish after stream contexts are cancelled.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
