package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/reviewdesk/internal/providers"
)

const userAgent = "ReviewDesk-Bot"

// Provider talks to the GitHub REST API with per-request installation
// tokens supplied by the caller.
type Provider struct {
	apiURL  string
	httpc   *http.Client
	limiter *rate.Limiter
}

// New creates a GitHub provider. apiURL defaults to the public API; pass a
// GHES base URL for self-hosted installs.
func New(apiURL string) *Provider {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	return &Provider{
		apiURL: apiURL,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		// Secondary rate limits kick in well below the documented quota
		// when requests burst; 5 rps with a small burst stays under them.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

func (p *Provider) Name() string { return "github" }

// FetchDiff retrieves the pull request in diff format.
func (p *Provider) FetchDiff(ctx context.Context, owner, repo string, number int, token string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", p.apiURL, owner, repo, number)
	body, err := p.get(ctx, "fetch diff", url, token, "application/vnd.github.v3.diff")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchSource downloads and flattens the default branch tarball.
func (p *Provider) FetchSource(ctx context.Context, owner, repo, token string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/tarball", p.apiURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create tarball request: %w", err)
	}
	p.setHeaders(req, token, "application/vnd.github.v3+json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &providers.HostError{Op: "fetch source", Status: resp.StatusCode}
	}
	return providers.FlattenTarball(resp.Body)
}

// PostComment creates an issue comment on the pull request. Not idempotent
// on the host side; callers must not re-invoke after success.
func (p *Provider) PostComment(ctx context.Context, owner, repo string, number int, markdown, token string) (int64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", p.apiURL, owner, repo, number)
	payload, _ := json.Marshal(map[string]string{"body": markdown})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create comment request: %w", err)
	}
	p.setHeaders(req, token, "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post comment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return 0, &providers.HostError{Op: "post comment", Status: resp.StatusCode}
	}

	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return 0, fmt.Errorf("decode comment response: %w", err)
	}
	return created.ID, nil
}

func (p *Provider) get(ctx context.Context, op, url, token, accept string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(req, token, accept)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &providers.HostError{Op: op, Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func (p *Provider) setHeaders(req *http.Request, token, accept string) {
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
}
