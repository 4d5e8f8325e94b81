package branchname

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Fix Login Bug", "fix-login-bug"},
		{"punctuation runs", "Add: retries!!! (for push)", "add-retries-for-push"},
		{"leading and trailing", "  --hello world--  ", "hello-world"},
		{"underscores and slashes", "feature/new_api", "feature-new-api"},
		{"non ascii dropped", "café déjà vu", "caf-dj-vu"},
		{"symbols", "a + b = c", "a-b-c"},
		{"empty", "", ""},
		{"only punctuation", "?!...", ""},
		{"digits kept", "Issue #42", "issue-42"},
		{"tabs and newlines", "one\ttwo\nthree", "one-two-three"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in, DefaultMaxLength))
		})
	}
}

func TestSlugifyIdempotent(t *testing.T) {
	for _, in := range []string{
		"Fix Login Bug",
		"  --x--  ",
		"Refactor the payment & billing module so that it supports discounts",
		"ÜBER cool ünïcödé",
		strings.Repeat("ab ", 40),
		"a-----b",
	} {
		once := Slugify(in, DefaultMaxLength)
		assert.Equal(t, once, Slugify(once, DefaultMaxLength), in)
	}
}

func TestSlugifyTruncation(t *testing.T) {
	long := strings.Repeat("a", 3*DefaultMaxLength)
	assert.Len(t, Slugify(long, DefaultMaxLength), DefaultMaxLength)
	assert.Len(t, Slugify(long, 10), 10)
	assert.Len(t, Slugify(long, 0), 3*DefaultMaxLength)

	// A cut landing on a hyphen must not leave it dangling.
	got := Slugify("abcd efgh", 5)
	assert.Equal(t, "abcd", got)
}

func TestUnique(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		want     string
	}{
		{"no refs", nil, "test-basis"},
		{"remote tracking taken", []string{"origin/test-basis"}, "test-basis-1"},
		{"local and remote suffix", []string{"test-basis", "origin/test-basis-1"}, "test-basis-2"},
		{"full ref names", []string{"refs/heads/test-basis", "refs/remotes/origin/test-basis-1"}, "test-basis-2"},
		{"gap filled", []string{"test-basis", "test-basis-2"}, "test-basis-1"},
		{"unrelated", []string{"main", "origin/main"}, "test-basis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unique("test-basis", tt.existing))
		})
	}
}

func TestResolverReserveConcurrent(t *testing.T) {
	r := NewResolver(DefaultMaxLength)
	refs := []string{"main", "origin/main", "origin/fix-bug"}

	const n = 16
	names := make([]string, n)
	releases := make([]func(), n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			names[i], releases[i] = r.Reserve("acme/api", "Fix bug", refs)
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, name := range names {
		require.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
		assert.True(t, strings.HasPrefix(name, "fix-bug-"), name)
	}

	for _, release := range releases {
		release()
	}
	name, release := r.Reserve("acme/api", "Fix bug", refs)
	defer release()
	assert.Equal(t, "fix-bug-1", name)
}

func TestResolverReservationsArePerRepo(t *testing.T) {
	r := NewResolver(DefaultMaxLength)
	a, releaseA := r.Reserve("acme/api", "Add cache", nil)
	defer releaseA()
	b, releaseB := r.Reserve("acme/web", "Add cache", nil)
	defer releaseB()
	assert.Equal(t, "add-cache", a)
	assert.Equal(t, "add-cache", b)
}

func TestResolverReleaseIsIdempotent(t *testing.T) {
	r := NewResolver(DefaultMaxLength)
	_, release := r.Reserve("acme/api", "x", nil)
	release()
	release()
	name, release2 := r.Reserve("acme/api", "x", nil)
	defer release2()
	assert.Equal(t, "x", name)
}

func TestResolverEmptyBasis(t *testing.T) {
	r := NewResolver(0)
	assert.Equal(t, DefaultMaxLength, r.maxLen)
	name, release := r.Reserve("acme/api", "!!!", nil)
	defer release()
	assert.Equal(t, "task", name)
}

func TestResolverLockSerializes(t *testing.T) {
	r := NewResolver(DefaultMaxLength)
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("acme/api")
			defer unlock()
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, r.locks)
}
