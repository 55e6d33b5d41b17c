// Package analyzer defines the uniform contract for analysis workers and
// the gateway that fans a payload out to all of them.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PayloadKind tells an analyzer what shape of text it is looking at.
type PayloadKind string

const (
	PayloadDiff   PayloadKind = "diff"
	PayloadSource PayloadKind = "source"
)

// Payload is the code under review.
type Payload struct {
	Kind PayloadKind
	Text string
}

// Finding is one issue an analyzer reports.
type Finding struct {
	File        string `json:"file"`
	Line        int    `json:"line"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
}

// Result is a successful analysis.
type Result struct {
	Findings []Finding `json:"findings"`
	Summary  string    `json:"summary"`
}

// Analyzer is one black-box analysis worker, addressed by a stable name.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, p Payload) (*Result, error)
}

// Error wraps an analyzer failure so a timeout is distinguishable from a
// tool-reported error.
type Error struct {
	Analyzer string
	Timeout  bool
	Err      error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("analyzer %s: timed out", e.Analyzer)
	}
	return fmt.Sprintf("analyzer %s: %v", e.Analyzer, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome is either a result or an error, never both.
type Outcome struct {
	Result *Result
	Err    error
}

// Gateway dispatches a payload to every configured analyzer concurrently
// and joins the outcomes. One analyzer's failure never blocks another's.
type Gateway struct {
	analyzers []Analyzer
	timeout   time.Duration
	log       zerolog.Logger
}

func NewGateway(timeout time.Duration, logger zerolog.Logger, analyzers ...Analyzer) *Gateway {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Gateway{analyzers: analyzers, timeout: timeout, log: logger}
}

// Names returns analyzer names in configuration order. The report renders
// sections in this order regardless of completion order.
func (g *Gateway) Names() []string {
	names := make([]string, len(g.analyzers))
	for i, a := range g.analyzers {
		names[i] = a.Name()
	}
	return names
}

// RunAll fans out to all analyzers and blocks until every one has finished,
// failed, or timed out. The returned map has exactly one entry per analyzer.
func (g *Gateway) RunAll(ctx context.Context, p Payload) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(g.analyzers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, a := range g.analyzers {
		wg.Add(1)
		go func(a Analyzer) {
			defer wg.Done()
			out := g.runOne(ctx, a, p)
			mu.Lock()
			outcomes[a.Name()] = out
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return outcomes
}

// runOne isolates a single analyzer: its own timeout, and a panic inside
// the tool is converted into an analyzer error instead of taking down the
// whole review.
func (g *Gateway) runOne(ctx context.Context, a Analyzer, p Payload) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := a.Analyze(runCtx, p)
		ch <- reply{res: res, err: err}
	}()

	select {
	case <-runCtx.Done():
		// The parent context going away is a cancelled review, not a
		// slow analyzer.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			g.log.Warn().Str("analyzer", a.Name()).Dur("timeout", g.timeout).Msg("analyzer timed out")
			return Outcome{Err: &Error{Analyzer: a.Name(), Timeout: true, Err: runCtx.Err()}}
		}
		g.log.Warn().Str("analyzer", a.Name()).Msg("analysis cancelled")
		return Outcome{Err: &Error{Analyzer: a.Name(), Err: runCtx.Err()}}
	case r := <-ch:
		if r.err != nil {
			g.log.Warn().Str("analyzer", a.Name()).Err(r.err).Msg("analyzer failed")
			return Outcome{Err: &Error{Analyzer: a.Name(), Err: r.err}}
		}
		if r.res == nil {
			return Outcome{Err: &Error{Analyzer: a.Name(), Err: fmt.Errorf("returned no result")}}
		}
		g.log.Debug().Str("analyzer", a.Name()).Int("findings", len(r.res.Findings)).Msg("analyzer finished")
		return Outcome{Result: r.res}
	}
}
