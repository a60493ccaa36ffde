// Package lineproto provides function-valued Command and Submission
// implementations for callers who want to build a submission inline
// without declaring a named type per command.
package lineproto

import "github.com/dmora/procpool"

// SimpleCommand implements [procpool.Command] by holding its completion
// predicates as plain function values, the same shape a caller would
// otherwise have to wrap in a one-off named struct.
type SimpleCommand struct {
	Line             string
	WaitsForOutput   bool
	StdoutPredicate  func(line string) bool
	StderrPredicate  func(line string) bool
}

var _ procpool.Command = SimpleCommand{}

// NewCommand builds a SimpleCommand that does not wait for any output.
func NewCommand(line string) SimpleCommand {
	return SimpleCommand{Line: line}
}

// NewCommandUntil builds a SimpleCommand that waits for stdout to match
// stdoutDone; stderr lines never complete it.
func NewCommandUntil(line string, stdoutDone func(string) bool) SimpleCommand {
	return SimpleCommand{Line: line, WaitsForOutput: true, StdoutPredicate: stdoutDone}
}

func (c SimpleCommand) Instruction() string    { return c.Line }
func (c SimpleCommand) GeneratesOutput() bool  { return c.WaitsForOutput }

func (c SimpleCommand) IsCompletedStdout(line string) bool {
	if c.StdoutPredicate == nil {
		return false
	}
	return c.StdoutPredicate(line)
}

func (c SimpleCommand) IsCompletedStderr(line string) bool {
	if c.StderrPredicate == nil {
		return false
	}
	return c.StderrPredicate(line)
}

// SimpleSubmission implements [procpool.Submission] over a fixed command
// list, with optional hooks for the lifecycle callbacks a caller cares
// about. Any nil hook is treated as a no-op / false.
type SimpleSubmission struct {
	CommandList       []procpool.Command
	TerminateAfter    bool
	OnStarted         func()
	OnFinished        func()
	CancelledCallback func() bool
}

var _ procpool.Submission = (*SimpleSubmission)(nil)

// NewSubmission builds a SimpleSubmission from a literal command sequence.
func NewSubmission(commands ...procpool.Command) *SimpleSubmission {
	return &SimpleSubmission{CommandList: commands}
}

func (s *SimpleSubmission) Commands() []procpool.Command { return s.CommandList }

func (s *SimpleSubmission) TerminateProcessAfterwards() bool { return s.TerminateAfter }

func (s *SimpleSubmission) OnStartedProcessing() {
	if s.OnStarted != nil {
		s.OnStarted()
	}
}

func (s *SimpleSubmission) OnFinishedProcessing() {
	if s.OnFinished != nil {
		s.OnFinished()
	}
}

func (s *SimpleSubmission) IsCancelled() bool {
	if s.CancelledCallback == nil {
		return false
	}
	return s.CancelledCallback()
}
