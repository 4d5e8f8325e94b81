// Package branchname derives collision-free git branch names from free text.
package branchname

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// DefaultMaxLength is the slug length used when no maximum is configured.
const DefaultMaxLength = 50

// Slugify lowercases text, turns runs of whitespace and punctuation into a
// single hyphen, drops everything outside [a-z0-9-], trims hyphens and cuts
// the result to at most maxLen bytes. A non-positive maxLen disables the cut.
func Slugify(text string, maxLen int) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
		case r == '-' || unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			hyphen = true
		}
	}
	s := b.String()
	if maxLen > 0 && len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "-")
	}
	return s
}

// Normalize maps a ref as printed by git (refs/heads/x, refs/remotes/origin/x,
// origin/x) to its bare branch name.
func Normalize(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, p := range []string{"refs/heads/", "refs/remotes/origin/", "refs/remotes/", "origin/"} {
		if strings.HasPrefix(ref, p) {
			return strings.TrimPrefix(ref, p)
		}
	}
	return ref
}

// Unique returns basis if no existing ref uses it, otherwise basis-N for the
// smallest N >= 1 that is free.
func Unique(basis string, existing []string) string {
	taken := make(map[string]struct{}, len(existing))
	for _, ref := range existing {
		taken[Normalize(ref)] = struct{}{}
	}
	return unique(basis, taken)
}

func unique(basis string, taken map[string]struct{}) string {
	if _, ok := taken[basis]; !ok {
		return basis
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d", basis, i)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

// Resolver hands out branch names per repository. Names it has handed out
// stay reserved until released, so concurrent callers that see the same
// ref list still get different names.
type Resolver struct {
	maxLen int

	mu       sync.Mutex
	locks    map[string]*repoLock
	reserved map[string]map[string]struct{}
}

type repoLock struct {
	mu   sync.Mutex
	refs int
}

func NewResolver(maxLen int) *Resolver {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	return &Resolver{
		maxLen:   maxLen,
		locks:    make(map[string]*repoLock),
		reserved: make(map[string]map[string]struct{}),
	}
}

// Slug slugifies text with the resolver's configured maximum.
func (r *Resolver) Slug(text string) string {
	return Slugify(text, r.maxLen)
}

// Lock serializes the list-refs/reserve/push section for one repository.
// The returned func releases it.
func (r *Resolver) Lock(repo string) func() {
	r.mu.Lock()
	l, ok := r.locks[repo]
	if !ok {
		l = &repoLock{}
		r.locks[repo] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, repo)
		}
		r.mu.Unlock()
	}
}

// Reserve picks a unique name for basis against existing refs and any
// in-flight reservations for repo. release drops the reservation; call it
// once the branch is pushed (it is then visible as a ref) or abandoned.
func (r *Resolver) Reserve(repo, basis string, existing []string) (name string, release func()) {
	basis = r.Slug(basis)
	if basis == "" {
		basis = "task"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	taken := make(map[string]struct{}, len(existing))
	for _, ref := range existing {
		taken[Normalize(ref)] = struct{}{}
	}
	for n := range r.reserved[repo] {
		taken[n] = struct{}{}
	}
	name = unique(basis, taken)

	if r.reserved[repo] == nil {
		r.reserved[repo] = make(map[string]struct{})
	}
	r.reserved[repo][name] = struct{}{}

	var once sync.Once
	return name, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.reserved[repo], name)
			if len(r.reserved[repo]) == 0 {
				delete(r.reserved, repo)
			}
		})
	}
}
