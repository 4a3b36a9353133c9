package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, no timeout is applied.
	Timeout time.Duration

	// Env contains environment variables for the command.
	// Each entry should be in the form "KEY=value". Nil inherits the
	// current process environment.
	Env []string

	// CombinedOutput interleaves stdout and stderr into Result.Output.
	CombinedOutput bool
}

// Result contains the result of a command execution.
type Result struct {
	// Stdout and Stderr are filled when CombinedOutput is false.
	Stdout []byte
	Stderr []byte

	// Output is the combined stdout and stderr (only if CombinedOutput is true).
	Output []byte

	// ExitCode is the exit code of the command, -1 if it was killed.
	ExitCode int

	// Duration is how long the command took to execute.
	Duration time.Duration

	// TimedOut is set when the command was killed because Timeout expired.
	TimedOut bool
}

// Text returns the captured output as a trimmed string, whichever mode was used.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if len(r.Output) > 0 {
		return strings.TrimSpace(string(r.Output))
	}
	out := strings.TrimSpace(string(r.Stdout))
	if errOut := strings.TrimSpace(string(r.Stderr)); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}

// ExitError is returned by MustRun when a command exits nonzero or times out.
type ExitError struct {
	Command  []string
	ExitCode int
	Output   string
	TimedOut bool
	Err      error
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command timed out: %s", FormatCommand(e.Command))
	}
	msg := fmt.Sprintf("command exited with code %d: %s", e.ExitCode, FormatCommand(e.Command))
	if e.Output != "" {
		msg += ": " + firstLine(e.Output)
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Run executes a command with the given options.
// The command is provided as a slice of arguments (command and its arguments).
// A nonzero exit is reported through the returned error; the result is
// returned alongside it whenever the process was started.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	if len(cmdParts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.WaitDelay = time.Second

	var result Result
	var stdout, stderr bytes.Buffer
	if opts.CombinedOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stdout
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)

	if opts.CombinedOutput {
		result.Output = stdout.Bytes()
	} else {
		result.Stdout = stdout.Bytes()
		result.Stderr = stderr.Bytes()
	}

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
	}

	if err != nil {
		if result.TimedOut {
			return &result, fmt.Errorf("command timed out after %s: %w", opts.Timeout, err)
		}
		return &result, fmt.Errorf("command failed: %w", err)
	}

	return &result, nil
}

// MustRun is Run with a typed failure: any nonzero exit, timeout or start
// failure is returned as *ExitError.
func MustRun(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	result, err := Run(ctx, opts, cmdParts)
	if err == nil {
		return result, nil
	}

	exitErr := &ExitError{
		Command:  cmdParts,
		ExitCode: -1,
		Err:      err,
	}
	if result != nil {
		exitErr.ExitCode = result.ExitCode
		exitErr.Output = result.Text()
		exitErr.TimedOut = result.TimedOut
	}
	return result, exitErr
}

// ParseCommandString parses a shell-quoted command string into parts.
//
// Example:
//
//	"php bin/console cache:clear --env=\"prod\"" -> ["php", "bin/console", "cache:clear", "--env=prod"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// ParseCommandList parses a command that can be either a string or a list.
// This handles the two formats from YAML configuration:
//   - String format: "composer install --no-dev"
//   - List format: ["composer", "install", "--no-dev"]
func ParseCommandList(cmd interface{}) ([]string, error) {
	switch v := cmd.(type) {
	case string:
		return ParseCommandString(v)
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command list item %d is not a string: %T", i, item)
			}
			parts[i] = str
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("empty command list")
		}
		return parts, nil
	case []string:
		if len(v) == 0 {
			return nil, fmt.Errorf("empty command list")
		}
		return v, nil
	default:
		return nil, fmt.Errorf("invalid command type: %T (must be string or list)", cmd)
	}
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["git", "stash", "push", "-m", "pre rollback"] -> "git stash push -m 'pre rollback'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}

	return strings.Join(quoted, " ")
}

// SanitizeOutput removes sensitive information from command output.
func SanitizeOutput(output []byte, secrets []string) []byte {
	sanitized := string(output)
	for _, secret := range secrets {
		if secret != "" {
			sanitized = strings.ReplaceAll(sanitized, secret, "***REDACTED***")
		}
	}
	return []byte(sanitized)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
