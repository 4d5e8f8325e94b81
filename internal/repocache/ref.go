package repocache

import (
	"fmt"
	"regexp"
	"strings"
)

var namePart = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// RepoRef identifies a hosted repository.
type RepoRef struct {
	Owner string
	Name  string
}

// ParseRepoRef parses "owner/repo".
func ParseRepoRef(s string) (RepoRef, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || !validPart(owner) || !validPart(name) {
		return RepoRef{}, fmt.Errorf("invalid repository %q: want owner/repo", s)
	}
	return RepoRef{Owner: owner, Name: name}, nil
}

func validPart(s string) bool {
	return namePart.MatchString(s) && s != "." && s != ".."
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// HTTPSRemoteURL is the clone URL on host. A non-empty token is embedded
// as x-access-token basic auth.
func HTTPSRemoteURL(host string, ref RepoRef, token string) string {
	if token == "" {
		return fmt.Sprintf("https://%s/%s/%s.git", host, ref.Owner, ref.Name)
	}
	return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git", token, host, ref.Owner, ref.Name)
}
