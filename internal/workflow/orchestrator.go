package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/reviewdesk/internal/analyzer"
	"github.com/reviewdesk/internal/auth"
	"github.com/reviewdesk/internal/providers"
	"github.com/reviewdesk/internal/report"
	"github.com/reviewdesk/internal/retry"
	"github.com/reviewdesk/internal/session"
)

// TokenSource issues short-lived host credentials for a repository.
type TokenSource interface {
	TokenFor(ctx context.Context, owner, repo string) (*auth.AccessToken, error)
}

// Orchestrator drives sessions through collection, confirmation, execution
// and reporting. It owns no session state itself; everything lives in the
// store so a session can suspend between operator turns.
type Orchestrator struct {
	store     session.Store
	tokens    TokenSource
	providers map[string]providers.Provider
	gateway   *analyzer.Gateway
	hostRetry retry.Config
	log       zerolog.Logger
}

func NewOrchestrator(store session.Store, tokens TokenSource, provs map[string]providers.Provider, gateway *analyzer.Gateway, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		tokens:    tokens,
		providers: provs,
		gateway:   gateway,
		hostRetry: hostRetryConfig(),
		log:       logger,
	}
}

const promptCollect = `Send me a pull request URL to review (e.g. https://github.com/owner/repo/pull/42), or a repository URL for a full source review.`

// Start opens a new session and returns it together with the first prompt.
func (o *Orchestrator) Start(ctx context.Context) (*session.Session, string, error) {
	s := session.New()
	s.AppendProgress("collect", "session opened")
	if err := o.store.Create(ctx, s); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}
	o.log.Info().Str("session", s.ID).Msg("session opened")
	return s, promptCollect, nil
}

// HandleInput consumes one turn of operator text and returns the reply.
// All session mutation goes through here or through the explicit Resend.
func (o *Orchestrator) HandleInput(ctx context.Context, sessionID, text string) (string, error) {
	s, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	input := strings.TrimSpace(text)
	switch strings.ToLower(input) {
	case "cancel":
		return o.cancel(ctx, s)
	case "restart":
		return o.restart(ctx, s)
	case "resend":
		return o.Resend(ctx, sessionID)
	}

	switch s.Status {
	case session.StatusCollecting:
		return o.collect(ctx, s, input)
	case session.StatusCollected:
		return o.confirm(ctx, s, input)
	case session.StatusConfirmed:
		// Reached when a prior execution attempt stopped before Executing
		// (token exchange failure) or when a stored session resumes. Any
		// operator input retries.
		return o.execute(ctx, s)
	case session.StatusExecuting:
		return "The review is still running; results will be posted when it finishes.", nil
	case session.StatusCompleted:
		return `This review is done. Say "restart" to review something else.`, nil
	case session.StatusFailed:
		msg := fmt.Sprintf("This review failed: %s", s.FailureReason)
		if s.Report != "" && s.CommentID == 0 {
			msg += ` The report is preserved; say "resend" to try posting it again, or "restart" to start over.`
		} else {
			msg += ` Say "restart" to start over.`
		}
		return msg, nil
	default:
		return "", &session.ProtocolError{Op: "HandleInput", Reason: fmt.Sprintf("unknown status %q", s.Status)}
	}
}

// collect parses operator input into a target. Malformed input keeps the
// session in Collecting and re-prompts; every attempt lands in the
// progress log.
func (o *Orchestrator) collect(ctx context.Context, s *session.Session, input string) (string, error) {
	kind, ref, err := session.ParseRequest(input)
	if err != nil {
		s.AppendProgress("collect", "rejected input: "+err.Error())
		if uerr := o.store.Update(ctx, s); uerr != nil {
			return "", uerr
		}
		return fmt.Sprintf("I could not understand that (%v).\n%s", err, promptCollect), nil
	}

	s.Kind = kind
	s.Ref = ref
	s.AppendProgress("collect", "parsed target "+ref.String())
	if err := o.advance(ctx, s, EventCollect); err != nil {
		return "", err
	}
	return o.renderSummary(s), nil
}

func (o *Orchestrator) renderSummary(s *session.Session) string {
	var b strings.Builder
	b.WriteString("Here is what I collected:\n")
	if s.Kind == session.TaskPullRequestReview {
		b.WriteString("- Task: pull request review\n")
	} else {
		b.WriteString("- Task: full source review\n")
	}
	fmt.Fprintf(&b, "- Host: %s\n", s.Ref.Host)
	fmt.Fprintf(&b, "- Repository: %s/%s\n", s.Ref.Owner, s.Ref.Repo)
	if s.Ref.PullNumber > 0 {
		fmt.Fprintf(&b, "- Pull request: #%d\n", s.Ref.PullNumber)
	}
	b.WriteString(`Reply "yes" to start the review, or "no" to change the request.`)
	return b.String()
}

// confirm interprets the operator's answer to the rendered summary.
func (o *Orchestrator) confirm(ctx context.Context, s *session.Session, input string) (string, error) {
	switch strings.ToLower(input) {
	case "yes", "y", "ok", "confirm", "đồng ý":
		s.AppendProgress("confirm", "operator confirmed")
		if err := o.advance(ctx, s, EventConfirm); err != nil {
			return "", err
		}
		return o.execute(ctx, s)
	case "no", "n", "không":
		s.AppendProgress("confirm", "operator rejected summary")
		if err := o.advance(ctx, s, EventReject); err != nil {
			return "", err
		}
		return promptCollect, nil
	default:
		return `Please answer "yes" or "no".`, nil
	}
}

// execute runs credentials -> fetch -> fan-out -> report -> publish. Any
// unrecoverable failure moves the session to Failed with a structured
// reason; the progress log is never discarded.
func (o *Orchestrator) execute(ctx context.Context, s *session.Session) (string, error) {
	prov, ok := o.providers[s.Ref.Host]
	if !ok {
		return o.fail(ctx, s, fmt.Sprintf("no provider configured for host %q", s.Ref.Host))
	}

	// Credentials come first, while the session is still Confirmed: an
	// exchange failure is transient, so the session keeps its pre-call
	// status and the operator can retry without restarting. Installation
	// tokens exist only for the GitHub App flow; other hosts authenticate
	// with their configured instance token.
	token := ""
	if s.Ref.Host == "github" {
		s.AppendProgress("credentials", "requesting installation token")
		tok, err := o.tokens.TokenFor(ctx, s.Ref.Owner, s.Ref.Repo)
		if err != nil {
			var aerr *auth.Error
			if errors.As(err, &aerr) && aerr.Kind == auth.NotInstalled {
				return o.fail(ctx, s, aerr.Error()+". "+aerr.Remediation())
			}
			s.AppendProgress("credentials", "token exchange failed: "+err.Error())
			if uerr := o.store.Update(ctx, s); uerr != nil {
				return "", uerr
			}
			return "I could not get credentials from the host: " + err.Error() +
				" Send any message to try again.", nil
		}
		token = tok.Value
		s.AppendProgress("credentials", "installation token acquired")
	}

	if err := o.advance(ctx, s, EventExecute); err != nil {
		return "", err
	}
	o.log.Info().Str("session", s.ID).Str("target", s.Ref.String()).Msg("review started")

	// Fetch the payload, retrying only transient host failures.
	var payload analyzer.Payload
	fetch := func() error {
		var err error
		if s.Kind == session.TaskPullRequestReview {
			var text string
			text, err = prov.FetchDiff(ctx, s.Ref.Owner, s.Ref.Repo, s.Ref.PullNumber, token)
			payload = analyzer.Payload{Kind: analyzer.PayloadDiff, Text: text}
		} else {
			var text string
			text, err = prov.FetchSource(ctx, s.Ref.Owner, s.Ref.Repo, token)
			payload = analyzer.Payload{Kind: analyzer.PayloadSource, Text: text}
		}
		return err
	}
	s.AppendProgress("fetch", "retrieving code from "+s.Ref.Host)
	if err := o.withHostRetry(ctx, fetch); err != nil {
		var herr *providers.HostError
		if errors.As(err, &herr) && herr.NotFound() {
			return o.fail(ctx, s, "the target was not found; check the URL and that the app has access to the repository")
		}
		return o.fail(ctx, s, "could not retrieve the code: "+err.Error())
	}
	s.AppendProgress("fetch", "payload retrieved")

	// Fan out to every analyzer; completions join before reporting.
	s.AppendProgress("analyze", fmt.Sprintf("dispatching to %d analyzer(s)", len(o.gateway.Names())))
	outcomes := o.gateway.RunAll(ctx, payload)
	for name, out := range outcomes {
		if err := s.RecordResult(name, resultRecord(out)); err != nil {
			return "", err
		}
	}
	s.AppendProgress("analyze", "all analyzers joined")

	md := report.Build(o.gateway.Names(), outcomes)
	if err := s.SetReport(md); err != nil {
		return "", err
	}
	s.AppendProgress("report", "report built")
	if err := o.store.Update(ctx, s); err != nil {
		return "", err
	}

	// A source review has no pull request to comment on; the report goes
	// straight back to the operator.
	if s.Kind == session.TaskSourceReview {
		s.AppendProgress("publish", "report returned to operator")
		if err := o.advance(ctx, s, EventComplete); err != nil {
			return "", err
		}
		o.log.Info().Str("session", s.ID).Msg("source review completed")
		return "The source review finished. Here is the report:\n\n" + md, nil
	}

	return o.publish(ctx, s, prov, token)
}

// publish posts the report comment at most once. The report is already
// preserved in session state, so a failure here never forces a rebuild.
func (o *Orchestrator) publish(ctx context.Context, s *session.Session, prov providers.Provider, token string) (string, error) {
	if s.CommentID != 0 {
		return "", &session.ProtocolError{Op: "publish", Reason: "comment already posted for this session"}
	}

	s.AppendProgress("publish", "posting report comment")
	var commentID int64
	post := func() error {
		id, err := prov.PostComment(ctx, s.Ref.Owner, s.Ref.Repo, s.Ref.PullNumber, s.Report, token)
		if err != nil {
			return err
		}
		commentID = id
		return nil
	}
	if err := o.withHostRetry(ctx, post); err != nil {
		// Preserve the report so "resend" can retry without recomputation.
		reply, ferr := o.fail(ctx, s, "the report was built but could not be posted: "+err.Error())
		if ferr != nil {
			return "", ferr
		}
		return reply + ` Say "resend" to try posting it again.`, nil
	}

	s.CommentID = commentID
	s.AppendProgress("publish", fmt.Sprintf("comment %d posted", commentID))
	if err := o.advance(ctx, s, EventComplete); err != nil {
		return "", err
	}
	o.log.Info().Str("session", s.ID).Int64("comment", commentID).Msg("review completed")
	return fmt.Sprintf("Xong! Tôi đã đăng kết quả review vào PR #%d.", s.Ref.PullNumber), nil
}

// Resend posts a preserved report from a Failed session. It is an explicit
// operation: a failed session never re-posts on its own.
func (o *Orchestrator) Resend(ctx context.Context, sessionID string) (string, error) {
	s, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if s.Status != session.StatusFailed || s.Report == "" {
		return "There is no preserved report to resend for this session.", nil
	}
	if s.CommentID != 0 {
		return "The report was already posted.", nil
	}
	prov, ok := o.providers[s.Ref.Host]
	if !ok {
		return "", fmt.Errorf("no provider configured for host %q", s.Ref.Host)
	}

	token := ""
	if s.Ref.Host == "github" {
		tok, err := o.tokens.TokenFor(ctx, s.Ref.Owner, s.Ref.Repo)
		if err != nil {
			return fmt.Sprintf("Still unable to authenticate: %v.", err), nil
		}
		token = tok.Value
	}

	id, err := prov.PostComment(ctx, s.Ref.Owner, s.Ref.Repo, s.Ref.PullNumber, s.Report, token)
	if err != nil {
		s.AppendProgress("publish", "resend failed: "+err.Error())
		if uerr := o.store.Update(ctx, s); uerr != nil {
			return "", uerr
		}
		return fmt.Sprintf("Resend failed: %v. The report is still preserved.", err), nil
	}
	s.CommentID = id
	s.AppendProgress("publish", fmt.Sprintf("comment %d posted on resend", id))
	if err := o.store.Update(ctx, s); err != nil {
		return "", err
	}
	o.log.Info().Str("session", s.ID).Int64("comment", id).Msg("preserved report resent")
	return fmt.Sprintf("Xong! Tôi đã đăng kết quả review vào PR #%d.", s.Ref.PullNumber), nil
}

// cancel discards a session before execution; no side effects.
func (o *Orchestrator) cancel(ctx context.Context, s *session.Session) (string, error) {
	if !CanCancel(s.Status) {
		return "This session can no longer be cancelled.", nil
	}
	if err := o.store.Delete(ctx, s.ID); err != nil {
		return "", err
	}
	o.log.Info().Str("session", s.ID).Msg("session cancelled")
	return "Cancelled. Nothing was posted.", nil
}

// restart re-enters collection from a terminal state, clearing results and
// the report but keeping the progress log.
func (o *Orchestrator) restart(ctx context.Context, s *session.Session) (string, error) {
	next, err := Next(s.Status, EventRestart)
	if err != nil {
		return `"restart" only works after a review has completed or failed.`, nil
	}
	s.ClearForRestart()
	s.Status = next
	s.AppendProgress("restart", "session restarted")
	if err := o.store.Update(ctx, s); err != nil {
		return "", err
	}
	return promptCollect, nil
}

// advance applies a state machine event and persists the session.
func (o *Orchestrator) advance(ctx context.Context, s *session.Session, ev Event) error {
	next, err := Next(s.Status, ev)
	if err != nil {
		return err
	}
	s.Status = next
	return o.store.Update(ctx, s)
}

// fail moves the session to Failed with a plain-language reason.
func (o *Orchestrator) fail(ctx context.Context, s *session.Session, reason string) (string, error) {
	s.FailureReason = reason
	s.AppendProgress("failed", reason)
	if err := o.advance(ctx, s, EventFail); err != nil {
		return "", err
	}
	o.log.Warn().Str("session", s.ID).Str("reason", reason).Msg("review failed")
	return "The review failed: " + reason, nil
}

// hostRetryConfig retries transient host failures only. A permanent
// answer (404, auth) during backoff stops the loop as well.
func hostRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Retryable = retry.IsRetryable
	return cfg
}

// withHostRetry runs op once, then retries with backoff only while the
// failures look transient. Permanent host answers (404, auth) surface
// immediately.
func (o *Orchestrator) withHostRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !retry.IsRetryable(err) {
		return err
	}
	res := retry.WithBackoff(ctx, o.hostRetry, o.log, op)
	if res.Success {
		return nil
	}
	return res.LastError
}

// resultRecord freezes an analyzer outcome into the session's write-once
// results map.
func resultRecord(out analyzer.Outcome) session.AnalysisRecord {
	if out.Err != nil {
		return session.AnalysisRecord{Payload: out.Err.Error(), Status: "failed"}
	}
	data, err := json.Marshal(out.Result)
	if err != nil {
		return session.AnalysisRecord{Payload: "unencodable result: " + err.Error(), Status: "failed"}
	}
	return session.AnalysisRecord{Payload: string(data), Status: "ok"}
}
