package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/reviewdesk/internal/providers"
)

// Config contains the GitLab connection settings.
type Config struct {
	URL   string `koanf:"url"`
	Token string `koanf:"token"`
}

// Provider talks to a GitLab instance with a project access token. The
// official client is kept for instance-level operations; merge request
// changes and notes go through direct HTTP requests against the plural
// merge_requests endpoints, which the client gets wrong on some instances.
type Provider struct {
	client  *gitlab.Client
	baseURL string
	token   string
	httpc   *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		cfg.URL = "https://gitlab.com"
	}
	baseURL := strings.TrimSuffix(cfg.URL, "/")

	client := gitlab.NewClient(nil, cfg.Token)
	if err := client.SetBaseURL(baseURL + "/api/v4"); err != nil {
		return nil, fmt.Errorf("set GitLab API base URL: %w", err)
	}

	return &Provider{
		client:  client,
		baseURL: baseURL + "/api/v4",
		token:   cfg.Token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *Provider) Name() string { return "gitlab" }

// mrChanges mirrors the /changes response shape.
type mrChanges struct {
	Changes []struct {
		OldPath     string `json:"old_path"`
		NewPath     string `json:"new_path"`
		Diff        string `json:"diff"`
		NewFile     bool   `json:"new_file"`
		DeletedFile bool   `json:"deleted_file"`
	} `json:"changes"`
}

// FetchDiff fetches the merge request changes and reassembles them into a
// unified diff. The _ token parameter is unused: GitLab authenticates with
// the configured project token, not a per-call installation token.
func (p *Provider) FetchDiff(ctx context.Context, owner, repo string, number int, _ string) (string, error) {
	reqURL := fmt.Sprintf("%s/projects/%s/merge_requests/%d/changes",
		p.baseURL, url.PathEscape(owner+"/"+repo), number)

	body, err := p.get(ctx, "fetch diff", reqURL)
	if err != nil {
		return "", err
	}

	var mr mrChanges
	if err := json.Unmarshal(body, &mr); err != nil {
		return "", fmt.Errorf("decode merge request changes: %w", err)
	}

	var b strings.Builder
	for _, c := range mr.Changes {
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", c.OldPath, c.NewPath)
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", c.OldPath, c.NewPath)
		b.WriteString(c.Diff)
		if !strings.HasSuffix(c.Diff, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// FetchSource downloads and flattens the default branch archive.
func (p *Provider) FetchSource(ctx context.Context, owner, repo, _ string) (string, error) {
	reqURL := fmt.Sprintf("%s/projects/%s/repository/archive.tar.gz",
		p.baseURL, url.PathEscape(owner+"/"+repo))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("create archive request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", p.token)

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

// PostComment creates a note on the merge request.
func (p *Provider) PostComment(ctx context.Context, owner, repo string, number int, markdown, _ string) (int64, error) {
	reqURL := fmt.Sprintf("%s/projects/%s/merge_requests/%d/notes",
		p.baseURL, url.PathEscape(owner+"/"+repo), number)

	payload, _ := json.Marshal(map[string]string{"body": markdown})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create note request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post comment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return 0, &providers.HostError{Op: "post comment", Status: resp.StatusCode}
	}

	var note struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&note); err != nil {
		return 0, fmt.Errorf("decode note response: %w", err)
	}
	return note.ID, nil
}

func (p *Provider) get(ctx context.Context, op, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", p.token)

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
