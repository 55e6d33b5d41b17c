package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdesk/internal/analyzer"
	"github.com/reviewdesk/internal/auth"
	"github.com/reviewdesk/internal/providers"
	"github.com/reviewdesk/internal/session"
)

type fakeTokens struct {
	calls int
	err   error
}

func (f *fakeTokens) TokenFor(ctx context.Context, owner, repo string) (*auth.AccessToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &auth.AccessToken{Value: "ghs_test", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeProvider struct {
	diff       string
	source     string
	fetchCalls int
	fetchErr   error

	postCalls int
	postErrs  []error // consumed one per call, then success
	posted    []string
	nextID    int64
}

func (f *fakeProvider) Name() string { return "github" }

func (f *fakeProvider) FetchDiff(ctx context.Context, owner, repo string, number int, token string) (string, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	return f.diff, nil
}

func (f *fakeProvider) FetchSource(ctx context.Context, owner, repo, token string) (string, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	return f.source, nil
}

func (f *fakeProvider) PostComment(ctx context.Context, owner, repo string, number int, markdown, token string) (int64, error) {
	f.postCalls++
	if len(f.postErrs) > 0 {
		err := f.postErrs[0]
		f.postErrs = f.postErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.posted = append(f.posted, markdown)
	f.nextID++
	return f.nextID, nil
}

type stubAnalyzer struct {
	name  string
	res   *analyzer.Result
	err   error
	delay time.Duration
}

func (a stubAnalyzer) Name() string { return a.name }

func (a stubAnalyzer) Analyze(ctx context.Context, p analyzer.Payload) (*analyzer.Result, error) {
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	return a.res, a.err
}

func cleanAnalyzers() []analyzer.Analyzer {
	return []analyzer.Analyzer{
		stubAnalyzer{name: "security", res: &analyzer.Result{Summary: "no issues"}},
		stubAnalyzer{name: "architecture", res: &analyzer.Result{
			Findings: []analyzer.Finding{{File: "main.go", Line: 3, Description: "goroutine leak", Severity: "medium"}},
			Summary:  "one issue",
		}},
	}
}

type testEnv struct {
	orch   *Orchestrator
	store  session.Store
	prov   *fakeProvider
	tokens *fakeTokens
}

func newTestEnv(t *testing.T, gatewayTimeout time.Duration, analyzers ...analyzer.Analyzer) *testEnv {
	t.Helper()
	if analyzers == nil {
		analyzers = cleanAnalyzers()
	}
	store := session.NewMemoryStore()
	prov := &fakeProvider{diff: "diff --git a/main.go b/main.go\n", source: "// file: main.go\npackage main\n"}
	tokens := &fakeTokens{}
	gw := analyzer.NewGateway(gatewayTimeout, zerolog.Nop(), analyzers...)
	orch := NewOrchestrator(store, tokens, map[string]providers.Provider{"github": prov}, gw, zerolog.Nop())
	return &testEnv{orch: orch, store: store, prov: prov, tokens: tokens}
}

// startCollected drives a fresh session to the confirmation prompt.
func (e *testEnv) startCollected(t *testing.T, url string) string {
	t.Helper()
	ctx := context.Background()
	s, _, err := e.orch.Start(ctx)
	require.NoError(t, err)
	reply, err := e.orch.HandleInput(ctx, s.ID, url)
	require.NoError(t, err)
	require.Contains(t, reply, "Here is what I collected")
	return s.ID
}

func TestPullRequestReviewEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Equal(t, "Xong! Tôi đã đăng kết quả review vào PR #42.", reply)

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.NotZero(t, s.CommentID)
	assert.Contains(t, s.Results, "security")
	assert.Contains(t, s.Results, "architecture")
	assert.Contains(t, s.Report, "## Code Review Report")

	assert.Equal(t, 1, env.tokens.calls)
	assert.Equal(t, 1, env.prov.fetchCalls)
	assert.Equal(t, 1, env.prov.postCalls)
	require.Len(t, env.prov.posted, 1)
	assert.Equal(t, s.Report, env.prov.posted[0], "the posted comment is the preserved report")
}

func TestSourceReviewReturnsReportInline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	id := env.startCollected(t, "https://github.com/acme/widgets")

	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Contains(t, reply, "## Code Review Report")

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Zero(t, env.prov.postCalls, "a source review never posts a comment")
}

func TestMalformedInputStaysCollecting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	s, _, err := env.orch.Start(ctx)
	require.NoError(t, err)

	reply, err := env.orch.HandleInput(ctx, s.ID, "review my code plz")
	require.NoError(t, err)
	assert.Contains(t, reply, "could not understand")

	got, err := env.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCollecting, got.Status)
	// The rejected attempt is in the progress log.
	last := got.Progress[len(got.Progress)-1]
	assert.Contains(t, last.Detail, "rejected input")
}

func TestNotInstalledFailsWithoutFetching(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	env.tokens.err = &auth.Error{Kind: auth.NotInstalled, Owner: "acme", Repo: "widgets"}
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Contains(t, reply, "Install the app on acme/widgets")

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Zero(t, env.prov.fetchCalls, "no host call without credentials")
	assert.Zero(t, env.prov.postCalls)
}

func TestExchangeFailureKeepsSessionConfirmed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	env.tokens.err = &auth.Error{Kind: auth.ExchangeFailed, Owner: "acme", Repo: "widgets", Err: fmt.Errorf("token endpoint returned 503")}
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Contains(t, reply, "try again")

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConfirmed, s.Status, "transient auth failure keeps the pre-call status")
	assert.Zero(t, env.prov.fetchCalls)

	// The host recovers; any operator message retries the execution.
	env.tokens.err = nil
	reply, err = env.orch.HandleInput(ctx, id, "go")
	require.NoError(t, err)
	assert.Equal(t, "Xong! Tôi đã đăng kết quả review vào PR #42.", reply)
}

func TestTargetNotFoundFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	env.prov.fetchErr = &providers.HostError{Op: "fetch diff", Status: 404}
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Contains(t, reply, "not found")

	assert.Equal(t, 1, env.prov.fetchCalls, "a 404 is not retried")
	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, s.Status)
}

func TestHungAnalyzerDoesNotBlockTheReview(t *testing.T) {
	ctx := context.Background()
	slow := stubAnalyzer{name: "security", delay: 5 * time.Second}
	fast := stubAnalyzer{name: "architecture", res: &analyzer.Result{Summary: "clean"}}
	env := newTestEnv(t, 50*time.Millisecond, slow, fast)
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	start := time.Now()
	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "Xong! Tôi đã đăng kết quả review vào PR #42.", reply)

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, "failed", s.Results["security"].Status)
	assert.Equal(t, "ok", s.Results["architecture"].Status)
	assert.Contains(t, s.Report, "timed out")
}

func TestTransientPostFailureRetriesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	env.prov.postErrs = []error{&providers.HostError{Op: "post comment", Status: 503}}
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Equal(t, "Xong! Tôi đã đăng kết quả review vào PR #42.", reply)

	assert.Equal(t, 2, env.prov.postCalls)
	require.Len(t, env.prov.posted, 1, "only one comment lands")

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, s.Status)
}

func TestPermanentFailureDuringBackoffStopsRetrying(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	env.prov.postErrs = []error{
		&providers.HostError{Op: "post comment", Status: 503},
		&providers.HostError{Op: "post comment", Status: 404},
	}
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	start := time.Now()
	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "a 404 after a 503 must not be retried to exhaustion")
	assert.Contains(t, reply, "The review failed")

	assert.Equal(t, 2, env.prov.postCalls)
	assert.Empty(t, env.prov.posted)

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.NotEmpty(t, s.Report, "the built report survives for a resend")
}

func TestPermanentPostFailurePreservesReportForResend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	env.prov.postErrs = []error{fmt.Errorf("post comment: unexpected status 401")}
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Contains(t, reply, "could not be posted")
	assert.Contains(t, reply, `"resend"`)

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.NotEmpty(t, s.Report, "the report survives the publish failure")
	savedReport := s.Report

	// Resend posts the preserved report without recomputation.
	fetchesBefore := env.prov.fetchCalls
	reply, err = env.orch.HandleInput(ctx, id, "resend")
	require.NoError(t, err)
	assert.Equal(t, "Xong! Tôi đã đăng kết quả review vào PR #42.", reply)
	assert.Equal(t, fetchesBefore, env.prov.fetchCalls, "resend must not re-fetch or re-analyze")
	require.Len(t, env.prov.posted, 1)
	assert.Equal(t, savedReport, env.prov.posted[0])

	// A second resend is a no-op.
	reply, err = env.orch.HandleInput(ctx, id, "resend")
	require.NoError(t, err)
	assert.Contains(t, reply, "already posted")
	assert.Len(t, env.prov.posted, 1)
}

func TestRejectReturnsToCollection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "no")
	require.NoError(t, err)
	assert.Contains(t, reply, "Send me a pull request URL")

	// A different target can now be collected.
	reply, err = env.orch.HandleInput(ctx, id, "https://github.com/acme/gadgets/pull/7")
	require.NoError(t, err)
	assert.Contains(t, reply, "acme/gadgets")
	assert.Contains(t, reply, "#7")
}

func TestRestartAfterCompletion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	_, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)

	reply, err := env.orch.HandleInput(ctx, id, "restart")
	require.NoError(t, err)
	assert.Contains(t, reply, "Send me a pull request URL")

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCollecting, s.Status)
	assert.Empty(t, s.Report)
	assert.Empty(t, s.Results)
	assert.NotEmpty(t, s.Progress, "progress history survives the restart")

	// The restarted session can run a second full review.
	reply, err = env.orch.HandleInput(ctx, id, "https://github.com/acme/widgets/pull/43")
	require.NoError(t, err)
	require.Contains(t, reply, "#43")
	reply, err = env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)
	assert.Equal(t, "Xong! Tôi đã đăng kết quả review vào PR #43.", reply)
}

func TestRestartIsInvalidMidFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "restart")
	require.NoError(t, err)
	assert.Contains(t, reply, "only works after")

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCollected, s.Status)
}

func TestCancelBeforeExecution(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "cancel")
	require.NoError(t, err)
	assert.Contains(t, reply, "Cancelled")

	_, err = env.store.Get(ctx, id)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCancelAfterCompletionIsRefused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")
	_, err := env.orch.HandleInput(ctx, id, "yes")
	require.NoError(t, err)

	reply, err := env.orch.HandleInput(ctx, id, "cancel")
	require.NoError(t, err)
	assert.Contains(t, reply, "no longer be cancelled")

	_, err = env.store.Get(ctx, id)
	assert.NoError(t, err, "a completed session is not deleted")
}

func TestAmbiguousConfirmationReprompts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Second)
	id := env.startCollected(t, "https://github.com/acme/widgets/pull/42")

	reply, err := env.orch.HandleInput(ctx, id, "maybe")
	require.NoError(t, err)
	assert.Contains(t, reply, `"yes" or "no"`)

	s, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCollected, s.Status)
}
