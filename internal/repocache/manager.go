// Package repocache keeps one durable clone per repository and hands out
// disposable per-task working copies of it.
package repocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kazz187/taskpilot/pkg/gitcmd"
)

// RemoteURLFunc builds the origin URL for ref. token is empty when the
// URL is stored at rest.
type RemoteURLFunc func(ref RepoRef, token string) string

type Manager struct {
	cacheDir     string
	workspaceDir string
	git          *gitcmd.Runner
	remoteURL    RemoteURLFunc

	mu     sync.Mutex
	locks  map[RepoRef]*sync.Mutex
	active map[string]struct{}
}

type Option func(*Manager)

// WithRemoteURL replaces the default GitHub-style HTTPS remote.
func WithRemoteURL(fn RemoteURLFunc) Option {
	return func(m *Manager) { m.remoteURL = fn }
}

func NewManager(cacheDir, workspaceDir, host string, git *gitcmd.Runner, opts ...Option) *Manager {
	m := &Manager{
		cacheDir:     cacheDir,
		workspaceDir: workspaceDir,
		git:          git,
		remoteURL: func(ref RepoRef, token string) string {
			return HTTPSRemoteURL(host, ref, token)
		},
		locks:  make(map[RepoRef]*sync.Mutex),
		active: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) CachePath(ref RepoRef) string {
	return filepath.Join(m.cacheDir, ref.Owner, ref.Name)
}

func (m *Manager) WorkspacePath(taskID string) string {
	return filepath.Join(m.workspaceDir, taskID)
}

func (m *Manager) lock(ref RepoRef) func() {
	m.mu.Lock()
	l, ok := m.locks[ref]
	if !ok {
		l = &sync.Mutex{}
		m.locks[ref] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// EnsureWorkspace refreshes the cache entry for ref and copies it into
// the task's workspace, whose origin then authenticates with token.
// Refresh and copy hold the repository's lock; different repositories
// never wait on each other.
func (m *Manager) EnsureWorkspace(ctx context.Context, taskID string, ref RepoRef, token string) (string, error) {
	ws := m.WorkspacePath(taskID)

	unlock := m.lock(ref)
	err := func() error {
		defer unlock()
		if err := m.refresh(ctx, ref, token); err != nil {
			return err
		}
		if err := os.RemoveAll(ws); err != nil {
			return fmt.Errorf("failed to clear workspace: %w", err)
		}
		if err := copyTree(m.CachePath(ref), ws); err != nil {
			_ = os.RemoveAll(ws)
			return fmt.Errorf("failed to copy cache into workspace: %w", err)
		}
		return nil
	}()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.active[taskID] = struct{}{}
	m.mu.Unlock()

	if err := m.git.SetRemoteURL(ctx, ws, "origin", m.remoteURL(ref, token)); err != nil {
		_ = m.ReleaseWorkspace(taskID)
		return "", err
	}
	slog.InfoContext(ctx, "workspace ready", "repo", ref.String(), "path", ws)
	return ws, nil
}

// refresh clones ref into the cache or fast-forwards the existing entry.
// The caller holds the repository lock.
func (m *Manager) refresh(ctx context.Context, ref RepoRef, token string) error {
	path := m.CachePath(ref)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return m.update(ctx, ref, path, token)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat cache entry: %w", err)
	}
	return m.clone(ctx, ref, path, token)
}

func (m *Manager) clone(ctx context.Context, ref RepoRef, path, token string) error {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	// A leftover directory without .git is a broken entry.
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove broken cache entry: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+ref.Name+".clone-*")
	if err != nil {
		return fmt.Errorf("failed to create clone directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	slog.InfoContext(ctx, "cloning repository into cache", "repo", ref.String())
	if err := m.git.Clone(ctx, m.remoteURL(ref, token), tmp); err != nil {
		return err
	}
	if err := m.git.SetRemoteURL(ctx, tmp, "origin", m.remoteURL(ref, "")); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move clone into cache: %w", err)
	}
	return nil
}

func (m *Manager) update(ctx context.Context, ref RepoRef, path, token string) (err error) {
	if err := m.git.SetRemoteURL(ctx, path, "origin", m.remoteURL(ref, token)); err != nil {
		return err
	}
	defer func() {
		if resetErr := m.git.SetRemoteURL(context.WithoutCancel(ctx), path, "origin", m.remoteURL(ref, "")); resetErr != nil && err == nil {
			err = resetErr
		}
	}()
	slog.DebugContext(ctx, "refreshing cached repository", "repo", ref.String())
	return m.git.FetchAndReset(ctx, path)
}

// ReleaseWorkspace deletes the task's workspace.
func (m *Manager) ReleaseWorkspace(taskID string) error {
	m.mu.Lock()
	delete(m.active, taskID)
	m.mu.Unlock()
	if err := os.RemoveAll(m.WorkspacePath(taskID)); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}
