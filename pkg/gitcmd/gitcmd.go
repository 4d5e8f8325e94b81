// Package gitcmd runs the git CLI with timeouts, credential scrubbing and
// debug logging of the exact command line.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

const DefaultTimeout = 5 * time.Minute

// ErrPushRejected is wrapped by Push when the remote refused the update,
// typically because the branch already exists with other history.
var ErrPushRejected = errors.New("push rejected by remote")

// ErrInvalidBranch is returned for a name git would reject as a branch or
// could parse as an option.
var ErrInvalidBranch = errors.New("invalid branch name")

var credentialsInURL = regexp.MustCompile(`://[^@/\s]+@`)

// Scrub removes user:password credentials from any URL inside s.
func Scrub(s string) string {
	return credentialsInURL.ReplaceAllString(s, "://***@")
}

// Runner executes git. The zero value is usable.
type Runner struct {
	Timeout     time.Duration
	AuthorName  string
	AuthorEmail string
}

// Error is returned for a git invocation that exited non-zero.
type Error struct {
	Args   []string
	Output string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %v: %s", Scrub(strings.Join(e.Args, " ")), e.Err, strings.TrimSpace(Scrub(e.Output)))
}

func (e *Error) Unwrap() error { return e.Err }

// Run executes git with args inside dir and returns its combined output.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := r.identityArgs(args)
	cmd := exec.CommandContext(cctx, "git", full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	slog.DebugContext(ctx, "running git", "dir", dir, "command", commandLine(full))
	if err := cmd.Run(); err != nil {
		if cctx.Err() != nil {
			err = fmt.Errorf("%w (after %s)", cctx.Err(), timeout)
		}
		return out.String(), &Error{Args: full, Output: out.String(), Err: err}
	}
	return out.String(), nil
}

func (r *Runner) identityArgs(args []string) []string {
	var pre []string
	if r.AuthorName != "" {
		pre = append(pre, "-c", "user.name="+r.AuthorName)
	}
	if r.AuthorEmail != "" {
		pre = append(pre, "-c", "user.email="+r.AuthorEmail)
	}
	return append(pre, args...)
}

// commandLine renders args as a copy-pastable, credential-free shell command.
func commandLine(args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, "git")
	for _, a := range args {
		a = Scrub(a)
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			q = a
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}

func (r *Runner) Clone(ctx context.Context, url, dest string) error {
	_, err := r.Run(ctx, "", "clone", "--no-tags", url, dest)
	return err
}

func (r *Runner) SetRemoteURL(ctx context.Context, dir, remote, url string) error {
	_, err := r.Run(ctx, dir, "remote", "set-url", remote, url)
	return err
}

// FetchAndReset fetches origin (pruning deleted branches) and moves the
// checked out branch to its upstream. Unlike a fast-forward pull it
// survives a force-push to the upstream branch.
func (r *Runner) FetchAndReset(ctx context.Context, dir string) error {
	if _, err := r.Run(ctx, dir, "fetch", "--prune", "origin"); err != nil {
		return err
	}
	_, err := r.Run(ctx, dir, "reset", "--hard", "--quiet", "@{upstream}")
	return err
}

// HasLocalChanges reports uncommitted work or commits not on the upstream.
func (r *Runner) HasLocalChanges(ctx context.Context, dir string) (bool, error) {
	out, err := r.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) != "" {
		return true, nil
	}
	out, err = r.Run(ctx, dir, "rev-list", "--count", "@{upstream}..HEAD")
	if err != nil {
		// No upstream: any commit on a local-only branch counts.
		out, err = r.Run(ctx, dir, "rev-list", "--count", "HEAD", "--not", "--remotes=origin")
		if err != nil {
			return false, err
		}
	}
	return strings.TrimSpace(out) != "0", nil
}

// Refs lists local branches and the live branches on origin, the latter
// prefixed with "origin/".
func (r *Runner) Refs(ctx context.Context, dir string) ([]string, error) {
	out, err := r.Run(ctx, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	refs := nonEmptyLines(out)

	out, err = r.Run(ctx, dir, "ls-remote", "--heads", "origin")
	if err != nil {
		return nil, err
	}
	for _, line := range nonEmptyLines(out) {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		refs = append(refs, "origin/"+strings.TrimPrefix(fields[1], "refs/heads/"))
	}
	return refs, nil
}

// Checkout switches to branch. A branch that exists on origin is checked
// out tracking origin/branch, a local-only branch is checked out as is, and
// only a branch that exists nowhere is created from HEAD.
func (r *Runner) Checkout(ctx context.Context, dir, branch string) error {
	if err := checkBranch(branch); err != nil {
		return err
	}
	remote := "refs/remotes/origin/" + branch
	switch {
	case r.refExists(ctx, dir, remote):
		_, err := r.Run(ctx, dir, "checkout", "--track", "-B", branch, remote)
		return err
	case r.refExists(ctx, dir, "refs/heads/"+branch):
		_, err := r.Run(ctx, dir, "checkout", branch, "--")
		return err
	default:
		_, err := r.Run(ctx, dir, "checkout", "-b", branch)
		return err
	}
}

func (r *Runner) refExists(ctx context.Context, dir, ref string) bool {
	_, err := r.Run(ctx, dir, "show-ref", "--verify", "--quiet", ref)
	return err == nil
}

func (r *Runner) CreateBranch(ctx context.Context, dir, branch string) error {
	if err := checkBranch(branch); err != nil {
		return err
	}
	_, err := r.Run(ctx, dir, "checkout", "-b", branch)
	return err
}

// RenameBranch renames the checked out branch.
func (r *Runner) RenameBranch(ctx context.Context, dir, branch string) error {
	if err := checkBranch(branch); err != nil {
		return err
	}
	_, err := r.Run(ctx, dir, "branch", "-m", branch)
	return err
}

// CommitAll stages everything and commits it. It is a no-op when the tree
// is clean, which happens when the agent already committed its work.
func (r *Runner) CommitAll(ctx context.Context, dir, message string) error {
	if _, err := r.Run(ctx, dir, "add", "--all"); err != nil {
		return err
	}
	out, err := r.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	_, err = r.Run(ctx, dir, "commit", "--no-verify", "-m", message)
	return err
}

// Push publishes the local branch to origin and sets it as upstream.
func (r *Runner) Push(ctx context.Context, dir, branch string) error {
	if err := checkBranch(branch); err != nil {
		return err
	}
	ref := "refs/heads/" + branch
	out, err := r.Run(ctx, dir, "push", "--set-upstream", "origin", ref+":"+ref)
	if err != nil && isRejection(out) {
		return fmt.Errorf("%w: %w", ErrPushRejected, err)
	}
	return err
}

func (r *Runner) GC(ctx context.Context, dir string) error {
	_, err := r.Run(ctx, dir, "gc", "--auto", "--quiet")
	return err
}

// ExcludeLocally adds patterns to .git/info/exclude so they never show up
// in status or commits.
func ExcludeLocally(dir string, patterns ...string) error {
	info := filepath.Join(dir, ".git", "info")
	if err := os.MkdirAll(info, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(info, "exclude"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, p := range patterns {
		if _, err := fmt.Fprintln(f, p); err != nil {
			return err
		}
	}
	return nil
}

func isRejection(out string) bool {
	return strings.Contains(out, "[rejected]") ||
		strings.Contains(out, "[remote rejected]") ||
		strings.Contains(out, "non-fast-forward") ||
		strings.Contains(out, "fetch first")
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// ValidBranchName applies the rules of git check-ref-format --branch to
// name.
func ValidBranchName(name string) bool {
	if name == "" || name == "@" || name == "HEAD" || strings.HasPrefix(name, "-") {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return false
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f || strings.ContainsRune(" ~^:?*[\\", c) {
			return false
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return false
		}
	}
	return true
}

func checkBranch(name string) error {
	if !ValidBranchName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidBranch, name)
	}
	return nil
}
