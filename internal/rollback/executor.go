package rollback

import (
	"context"
	"errors"
	"os"
	"time"

	"rollbox/internal/security"
	"rollbox/pkg/cmdutil"
)

// CommandRunner runs one external command to completion or timeout and
// returns its combined output. A nonzero exit or a timeout is an error.
type CommandRunner interface {
	Run(ctx context.Context, dir string, timeout time.Duration, argv []string) (string, error)
}

// Executor is the CommandRunner used in production. Every command must pass
// the command policy before it is started; commands never run through a
// shell.
type Executor struct {
	policy *security.CommandPolicy
	env    []string

	// Redact lists values that are masked in captured output before it
	// reaches the step log or an error message.
	Redact []string
}

// NewExecutor creates an executor restricted to the given allowlist.
func NewExecutor(allowed map[string]bool) *Executor {
	return &Executor{
		policy: security.NewCommandPolicy(allowed),
		env:    append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "COMPOSER_NO_INTERACTION=1"),
	}
}

// Run validates argv and executes it in dir. Failures are *cmdutil.ExitError
// except for policy violations.
func (e *Executor) Run(ctx context.Context, dir string, timeout time.Duration, argv []string) (string, error) {
	if err := e.policy.Validate(argv); err != nil {
		return "", err
	}

	result, err := cmdutil.MustRun(ctx, cmdutil.ExecOptions{
		Dir:            dir,
		Timeout:        timeout,
		Env:            e.env,
		CombinedOutput: true,
	}, argv)

	var exitErr *cmdutil.ExitError
	if errors.As(err, &exitErr) && exitErr.Output != "" {
		exitErr.Output = e.sanitize(exitErr.Output)
	}
	return e.sanitize(result.Text()), err
}

func (e *Executor) sanitize(output string) string {
	if len(e.Redact) == 0 || output == "" {
		return output
	}
	return string(cmdutil.SanitizeOutput([]byte(output), e.Redact))
}
