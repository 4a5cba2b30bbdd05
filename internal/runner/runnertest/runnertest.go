// Package runnertest provides a scriptable runner.Executor for tests.
package runnertest

import (
	"context"
	"sync"

	"sfmbatch/internal/runner"
)

// HandlerFunc decides the outcome of one fake execution.
type HandlerFunc func(ctx context.Context, cmd runner.Command) (int, error)

// Executor records every command and delegates the outcome to Handler.
// A nil Handler makes every command succeed.
type Executor struct {
	Handler HandlerFunc

	mu    sync.Mutex
	calls []runner.Command
}

func (e *Executor) Execute(ctx context.Context, cmd runner.Command) (int, error) {
	e.mu.Lock()
	e.calls = append(e.calls, cmd)
	e.mu.Unlock()
	if e.Handler == nil {
		return 0, nil
	}
	return e.Handler(ctx, cmd)
}

// Calls returns a copy of the recorded commands in execution order.
func (e *Executor) Calls() []runner.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]runner.Command, len(e.calls))
	copy(out, e.calls)
	return out
}

// Subcommands returns the first argument of every recorded command.
func (e *Executor) Subcommands() []string {
	var out []string
	for _, c := range e.Calls() {
		if len(c.Args) > 0 {
			out = append(out, c.Args[0])
		}
	}
	return out
}

// Flag returns the value following name in cmd's arguments.
func Flag(cmd runner.Command, name string) (string, bool) {
	for i := 0; i < len(cmd.Args)-1; i++ {
		if cmd.Args[i] == name {
			return cmd.Args[i+1], true
		}
	}
	return "", false
}
