package lineproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimpleCommandDefaultsToNoOutput(t *testing.T) {
	c := NewCommand("ping")
	assert.Equal(t, "ping", c.Instruction())
	assert.False(t, c.GeneratesOutput())
	assert.False(t, c.IsCompletedStdout("anything"))
	assert.False(t, c.IsCompletedStderr("anything"))
}

func TestSimpleCommandUntilUsesStdoutPredicate(t *testing.T) {
	c := NewCommandUntil("run", func(line string) bool { return line == "done" })
	assert.True(t, c.GeneratesOutput())
	assert.False(t, c.IsCompletedStdout("still going"))
	assert.True(t, c.IsCompletedStdout("done"))
	assert.False(t, c.IsCompletedStderr("done")) // no stderr predicate set
}

func TestSimpleSubmissionDelegatesHooks(t *testing.T) {
	var started, finished bool
	s := NewSubmission(NewCommand("a"), NewCommand("b"))
	s.OnStarted = func() { started = true }
	s.OnFinished = func() { finished = true }
	s.TerminateAfter = true

	assert.Len(t, s.Commands(), 2)
	assert.True(t, s.TerminateProcessAfterwards())

	s.OnStartedProcessing()
	s.OnFinishedProcessing()
	assert.True(t, started)
	assert.True(t, finished)
}

func TestSimpleSubmissionCancelledCallback(t *testing.T) {
	s := NewSubmission()
	assert.False(t, s.IsCancelled())

	cancelled := true
	s.CancelledCallback = func() bool { return cancelled }
	assert.True(t, s.IsCancelled())
}
