// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package toolchain runs external cryptographic tools (openssl, pkcs11-tool)
// as child processes built from discrete argument vectors. Commands are never
// passed through a shell. Every invocation is bounded by a timeout and its
// captured output is redacted before it leaves the package.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 30 * time.Second

var (
	// ErrToolNotFound is returned when the executable is not installed.
	ErrToolNotFound = errors.New("toolchain: executable not found")

	// ErrTimeout is returned when an invocation exceeds its timeout.
	ErrTimeout = errors.New("toolchain: invocation timed out")

	// ErrExit is returned when the tool exits non-zero.
	ErrExit = errors.New("toolchain: non-zero exit")
)

// Command describes one child process invocation.
type Command struct {
	// Name is the executable, resolved through PATH when not absolute.
	Name string

	// Args is the argument vector, excluding Name.
	Args []string

	// Env holds additional KEY=VALUE pairs appended to the parent environment.
	Env []string

	// Stdin is written to the child's standard input when non-nil.
	Stdin []byte

	// Secrets are masked in every error and log line derived from this command.
	Secrets []string

	// Timeout overrides the runner default when non-zero.
	Timeout time.Duration
}

// String renders the command for operator logs with secrets masked.
func (c *Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	return logging.Redact(strings.Join(parts, " "), c.Secrets...)
}

// Result holds the captured output of a finished invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Diagnostic returns stderr, or stdout when stderr is empty, trimmed.
func (r *Result) Diagnostic() string {
	if r == nil {
		return ""
	}
	if s := strings.TrimSpace(string(r.Stderr)); s != "" {
		return s
	}
	return strings.TrimSpace(string(r.Stdout))
}

// Runner executes commands. Implementations must honor ctx cancellation
// by terminating the child process.
type Runner interface {
	Run(ctx context.Context, cmd *Command) (*Result, error)
}

// Error describes a failed invocation. Its message and diagnostic are
// already redacted.
type Error struct {
	Kind       error
	Command    string
	ExitCode   int
	Diagnostic string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind.Error(), e.Command)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// NewExecRunner returns a runner with the given default timeout.
func NewExecRunner(timeout time.Duration, logger *logging.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &ExecRunner{Timeout: timeout, Logger: logger}
}

// Run starts the command, waits for it and captures its output. A timeout
// yields ErrTimeout; cancellation of ctx yields ctx.Err().
func (r *ExecRunner) Run(ctx context.Context, cmd *Command) (*Result, error) {
	timeout := r.Timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if _, err := exec.LookPath(cmd.Name); err != nil {
		return nil, &Error{Kind: ErrToolNotFound, Command: cmd.Name, Diagnostic: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 - argv is built from typed arguments, never a shell string
	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	log := r.Logger.WithSecrets(cmd.Secrets...)
	log.Debug("exec", "cmd", cmd.String())

	start := time.Now()
	err := c.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Warn("tool invocation timed out", "cmd", cmd.String(), "timeout", timeout.String())
		return res, &Error{
			Kind:       ErrTimeout,
			Command:    cmd.String(),
			Diagnostic: redactDiagnostic(res.Diagnostic(), cmd.Secrets),
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &Error{
			Kind:       ErrExit,
			Command:    cmd.String(),
			ExitCode:   res.ExitCode,
			Diagnostic: redactDiagnostic(res.Diagnostic(), cmd.Secrets),
		}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return res, &Error{Kind: ErrToolNotFound, Command: cmd.Name, Diagnostic: err.Error()}
	}
	return res, fmt.Errorf("toolchain: failed to run %s: %s", cmd.String(), logging.Redact(err.Error(), cmd.Secrets...))
}

func redactDiagnostic(s string, secrets []string) string {
	return types.TruncateDiagnostic(logging.Redact(s, secrets...))
}

// IsFatal reports whether err should stop every further candidate: the tool
// is missing or the caller gave up.
func IsFatal(err error) bool {
	return errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, context.Canceled)
}
