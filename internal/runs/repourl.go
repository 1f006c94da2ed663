package runs

import (
	"fmt"
	"regexp"
	"strings"
)

// RepoRef is a parsed repository reference normalized to a clone URL.
type RepoRef struct {
	Owner    string
	Name     string
	CloneURL string
}

// repoSegment matches one path segment of a GitHub slug. Dots are allowed
// mid-name (e.g. ".github") but the trailing ".git" suffix is stripped
// before matching.
var repoSegment = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ParseRepoURL accepts either the shorthand "owner/repo" or a full
// "https://github.com/owner/repo" URL (optionally with a ".git" suffix or a
// trailing slash) and normalizes both to the canonical clone URL
// "https://github.com/owner/repo.git". Anything else is rejected.
func ParseRepoURL(input string) (RepoRef, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return RepoRef{}, fmt.Errorf("repository URL is empty")
	}

	if strings.Contains(s, "://") {
		const prefix = "https://github.com/"
		if !strings.HasPrefix(s, prefix) {
			return RepoRef{}, fmt.Errorf("unsupported repository URL %q: only https://github.com/ URLs are accepted", input)
		}
		s = strings.TrimPrefix(s, prefix)
	}

	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return RepoRef{}, fmt.Errorf("repository reference %q must be owner/repo", input)
	}
	owner, name := parts[0], parts[1]
	if !repoSegment.MatchString(owner) || !repoSegment.MatchString(name) {
		return RepoRef{}, fmt.Errorf("repository reference %q has invalid characters", input)
	}

	return RepoRef{
		Owner:    owner,
		Name:     name,
		CloneURL: fmt.Sprintf("https://github.com/%s/%s.git", owner, name),
	}, nil
}

// Slug returns "owner/repo".
func (r RepoRef) Slug() string {
	return r.Owner + "/" + r.Name
}
