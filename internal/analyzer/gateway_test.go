package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedAnalyzer struct {
	name  string
	res   *Result
	err   error
	delay time.Duration
	panic bool
}

func (a scriptedAnalyzer) Name() string { return a.name }

func (a scriptedAnalyzer) Analyze(ctx context.Context, p Payload) (*Result, error) {
	if a.panic {
		panic("tool blew up")
	}
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	return a.res, a.err
}

func TestRunAllReturnsOneOutcomePerAnalyzer(t *testing.T) {
	g := NewGateway(time.Second, zerolog.Nop(),
		scriptedAnalyzer{name: "a", res: &Result{Summary: "ok"}},
		scriptedAnalyzer{name: "b", err: errors.New("tool error")},
		scriptedAnalyzer{name: "c", res: &Result{Summary: "ok"}},
	)

	outcomes := g.RunAll(context.Background(), Payload{Kind: PayloadDiff, Text: "x"})
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes["a"].Err)
	assert.Error(t, outcomes["b"].Err)
	assert.NoError(t, outcomes["c"].Err)
}

func TestRunAllIsolatesFailures(t *testing.T) {
	g := NewGateway(time.Second, zerolog.Nop(),
		scriptedAnalyzer{name: "crashy", panic: true},
		scriptedAnalyzer{name: "steady", res: &Result{Summary: "fine"}},
	)

	outcomes := g.RunAll(context.Background(), Payload{Kind: PayloadDiff, Text: "x"})

	var aerr *Error
	require.True(t, errors.As(outcomes["crashy"].Err, &aerr))
	assert.False(t, aerr.Timeout, "a panic is a failure, not a timeout")
	assert.Contains(t, aerr.Error(), "panic")

	require.NoError(t, outcomes["steady"].Err)
	assert.Equal(t, "fine", outcomes["steady"].Result.Summary)
}

func TestRunAllTimesOutHungAnalyzer(t *testing.T) {
	g := NewGateway(30*time.Millisecond, zerolog.Nop(),
		scriptedAnalyzer{name: "hung", delay: 5 * time.Second},
		scriptedAnalyzer{name: "quick", res: &Result{Summary: "done"}},
	)

	start := time.Now()
	outcomes := g.RunAll(context.Background(), Payload{Kind: PayloadDiff, Text: "x"})
	assert.Less(t, time.Since(start), time.Second, "the hung analyzer must not block the join")

	var aerr *Error
	require.True(t, errors.As(outcomes["hung"].Err, &aerr))
	assert.True(t, aerr.Timeout)
	assert.NoError(t, outcomes["quick"].Err)
}

func TestRunAllCancellationIsNotATimeout(t *testing.T) {
	g := NewGateway(time.Minute, zerolog.Nop(),
		scriptedAnalyzer{name: "slow", delay: 5 * time.Second},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	outcomes := g.RunAll(ctx, Payload{Kind: PayloadDiff, Text: "x"})
	assert.Less(t, time.Since(start), time.Second)

	var aerr *Error
	require.True(t, errors.As(outcomes["slow"].Err, &aerr))
	assert.False(t, aerr.Timeout, "a cancelled review is not a slow analyzer")
	assert.ErrorIs(t, aerr.Err, context.Canceled)
}

func TestRunOneRejectsNilResult(t *testing.T) {
	g := NewGateway(time.Second, zerolog.Nop(), scriptedAnalyzer{name: "empty"})
	outcomes := g.RunAll(context.Background(), Payload{})
	assert.Error(t, outcomes["empty"].Err)
}
