// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// RequireGit skips the test when no git binary is available.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// Git runs git in dir with a fixed identity and fails the test on error.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-c", "user.name=Test", "-c", "user.email=test@example.com", "-c", "init.defaultBranch=main"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// NewRemote creates a bare repository whose main branch holds one commit
// with README.md, and returns its path.
func NewRemote(t testing.TB) string {
	t.Helper()
	RequireGit(t)
	root := t.TempDir()
	bare := filepath.Join(root, "remote.git")
	seed := filepath.Join(root, "seed")

	Git(t, root, "init", "--bare", bare)
	Git(t, root, "init", seed)
	WriteFile(t, seed, "README.md", "# demo\n")
	Git(t, seed, "add", "README.md")
	Git(t, seed, "commit", "-m", "initial")
	Git(t, seed, "branch", "-M", "main")
	Git(t, seed, "remote", "add", "origin", bare)
	Git(t, seed, "push", "origin", "main")
	Git(t, bare, "symbolic-ref", "HEAD", "refs/heads/main")
	return bare
}

// PushBranch creates branch on the remote with one extra commit.
func PushBranch(t testing.TB, remote, branch string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "pusher")
	Git(t, filepath.Dir(dir), "clone", remote, dir)
	Git(t, dir, "checkout", "-b", branch)
	WriteFile(t, dir, branch+".txt", branch+"\n")
	Git(t, dir, "add", "--all")
	Git(t, dir, "commit", "-m", "add "+branch)
	Git(t, dir, "push", "origin", branch)
}

func WriteFile(t testing.TB, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
