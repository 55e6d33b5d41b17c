// Package providers wraps the source-control hosts' HTTP APIs behind one
// interface: fetch the code under review, post the report back.
package providers

import (
	"context"
	"fmt"
	"net/http"
)

// Provider is one source-control host.
type Provider interface {
	Name() string

	// FetchDiff returns the unified diff for a pull/merge request.
	FetchDiff(ctx context.Context, owner, repo string, number int, token string) (string, error)

	// FetchSource returns a flattened text snapshot of the repository's
	// default branch, for whole-source reviews.
	FetchSource(ctx context.Context, owner, repo, token string) (string, error)

	// PostComment creates a Markdown comment on the pull/merge request and
	// returns the host-assigned comment id. The host does not guarantee
	// idempotency; the orchestrator invokes this at most once per report.
	PostComment(ctx context.Context, owner, repo string, number int, markdown, token string) (int64, error)
}

// HostError is a non-2xx answer from the host API.
type HostError struct {
	Op     string
	Status int
}

func (e *HostError) Error() string {
	if e.NotFound() {
		return fmt.Sprintf("%s: not found (bad URL or insufficient permission)", e.Op)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

// NotFound reports a 404: bad URL or a token without access.
func (e *HostError) NotFound() bool { return e.Status == http.StatusNotFound }
