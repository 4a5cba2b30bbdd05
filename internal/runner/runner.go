// Package runner executes external tools with a per-attempt timeout and a
// bounded retry budget.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"sfmbatch/internal/logging"
)

// Command is one external process invocation. Arguments are passed verbatim,
// no shell is involved.
type Command struct {
	Stage string
	Name  string
	Args  []string
	// Prepare runs before every attempt, e.g. to remove an output file the
	// tool refuses to overwrite. An error fails that attempt.
	Prepare func() error
}

// String renders the command for logs, quoting arguments that contain spaces.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, p := range append([]string{c.Name}, c.Args...) {
		if strings.ContainsAny(p, " \t\"") {
			p = fmt.Sprintf("%q", p)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

// Executor runs a single attempt and reports the process exit code.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (exitCode int, err error)
}

// ExecExecutor runs commands as child processes.
type ExecExecutor struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (e ExecExecutor) Execute(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.WaitDelay = 5 * time.Second
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode(), err
	}
	return -1, err
}

// Policy is the retry policy shared by every stage of a run.
type Policy struct {
	Timeout time.Duration
	Retries int
}

// Attempt describes one finished execution attempt.
type Attempt struct {
	Stage     string
	Command   string
	Number    int
	Total     int
	ExitCode  int
	TimedOut  bool
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// RecordFunc receives every attempt, successful or not.
type RecordFunc func(ctx context.Context, a Attempt)

// FatalError is returned once a command has failed on every attempt.
type FatalError struct {
	Stage    string
	Command  string
	Attempts int
	ExitCode int
	Cause    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: all %d attempts failed: %v", e.Stage, e.Attempts, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// ErrTimeout marks an attempt that exceeded Policy.Timeout.
var ErrTimeout = errors.New("command timed out")

// ExitCode maps an error returned by the pipeline to a process exit status.
// A FatalError carries the failing command's own code when it had one.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var fatal *FatalError
	if errors.As(err, &fatal) && fatal.ExitCode > 0 {
		return fatal.ExitCode
	}
	return 1
}

// Runner applies a Policy to commands run through an Executor.
type Runner struct {
	exec   Executor
	policy Policy
	log    *slog.Logger
	record RecordFunc
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRecorder registers a callback invoked after every attempt.
func WithRecorder(fn RecordFunc) Option {
	return func(r *Runner) { r.record = fn }
}

// New creates a Runner. A nil executor runs real processes.
func New(executor Executor, policy Policy, logger *slog.Logger, opts ...Option) *Runner {
	if executor == nil {
		executor = ExecExecutor{}
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{exec: executor, policy: policy, log: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retry policy in effect.
func (r *Runner) Policy() Policy { return r.policy }

// Run executes cmd until it exits 0 or the retry budget is spent. Timeouts and
// non-zero exits both consume one attempt. Cancellation of ctx stops
// immediately without further attempts.
func (r *Runner) Run(ctx context.Context, cmd Command) error {
	total := r.policy.Retries + 1
	line := cmd.String()

	var last Attempt
	for n := 1; n <= total; n++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", cmd.Stage, err)
		}
		r.log.Info("running command", "stage", cmd.Stage, "attempt", fmt.Sprintf("%d/%d", n, total), "command", line)
		last = r.attempt(ctx, cmd, n, total)
		last.Command = line
		logging.LogAttempt(r.log, n, total, line, last.ExitCode, last.Err)
		if r.record != nil {
			r.record(ctx, last)
		}
		if last.Err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", cmd.Stage, ctx.Err())
		}
	}

	r.log.Error("all attempts failed", "stage", cmd.Stage, "attempts", total, "command", line)
	return &FatalError{
		Stage:    cmd.Stage,
		Command:  line,
		Attempts: total,
		ExitCode: last.ExitCode,
		Cause:    last.Err,
	}
}

func (r *Runner) attempt(ctx context.Context, cmd Command, n, total int) Attempt {
	a := Attempt{Stage: cmd.Stage, Number: n, Total: total, StartedAt: time.Now()}

	if cmd.Prepare != nil {
		if err := cmd.Prepare(); err != nil {
			a.ExitCode = -1
			a.Err = fmt.Errorf("prepare: %w", err)
			return a
		}
	}

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.policy.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
	}
	defer cancel()

	code, err := r.exec.Execute(attemptCtx, cmd)
	a.Duration = time.Since(a.StartedAt)

	switch {
	case err == nil && code == 0:
		// a clean exit wins over a deadline that expired on the way out
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		a.TimedOut = true
		a.ExitCode = -1
		a.Err = fmt.Errorf("%w after %s", ErrTimeout, r.policy.Timeout)
	case err != nil:
		a.ExitCode = code
		a.Err = err
	case code != 0:
		a.ExitCode = code
		a.Err = fmt.Errorf("exit status %d", code)
	}
	return a
}
