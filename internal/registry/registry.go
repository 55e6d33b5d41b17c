// Package registry reads the installation registry: the mapping from
// (owner, repo) to the source-host app installation that covers it. The
// mapping is populated out-of-band at app-install time and is read-only here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotInstalled means no app installation covers the repository. The
// operator has to install the app before a review can run.
var ErrNotInstalled = errors.New("app is not installed on this repository")

type Registry interface {
	// InstallationFor returns the installation id scoped to owner/repo,
	// or ErrNotInstalled.
	InstallationFor(ctx context.Context, owner, repo string) (int64, error)
}

// StaticRegistry serves installations from configuration, keyed
// "owner/repo". Useful for self-hosted single-org deployments and tests.
type StaticRegistry map[string]int64

func (r StaticRegistry) InstallationFor(ctx context.Context, owner, repo string) (int64, error) {
	key := strings.ToLower(owner + "/" + repo)
	for k, id := range r {
		if strings.ToLower(k) == key {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%s/%s: %w", owner, repo, ErrNotInstalled)
}
