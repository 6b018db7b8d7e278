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

package mocks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
)

// Runner is a scripted toolchain.Runner for testing. Each invocation is
// recorded and dispatched to RunFunc. With no RunFunc every command
// succeeds with empty output.
type Runner struct {
	mu sync.Mutex

	// Configurable behavior
	RunFunc func(ctx context.Context, cmd *toolchain.Command) (*toolchain.Result, error)

	// Call tracking
	Calls []toolchain.Command
}

// NewRunner returns a runner driven by fn.
func NewRunner(fn func(ctx context.Context, cmd *toolchain.Command) (*toolchain.Result, error)) *Runner {
	return &Runner{RunFunc: fn}
}

// Run records cmd and delegates to RunFunc.
func (r *Runner) Run(ctx context.Context, cmd *toolchain.Command) (*toolchain.Result, error) {
	r.mu.Lock()
	c := *cmd
	c.Args = append([]string(nil), cmd.Args...)
	c.Env = append([]string(nil), cmd.Env...)
	r.Calls = append(r.Calls, c)
	fn := r.RunFunc
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return &toolchain.Result{}, nil
	}
	return fn(ctx, cmd)
}

// CallCount returns the number of recorded invocations.
func (r *Runner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Recorded returns a snapshot of the recorded invocations.
func (r *Runner) Recorded() []toolchain.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]toolchain.Command, len(r.Calls))
	copy(out, r.Calls)
	return out
}

// ArgValue returns the element following flag in args.
func ArgValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

// HasArg reports whether args contains the element.
func HasArg(args []string, arg string) bool {
	for _, a := range args {
		if a == arg {
			return true
		}
	}
	return false
}

// IsSubcommand reports whether the command is openssl <sub>.
func IsSubcommand(cmd *toolchain.Command, sub string) bool {
	return len(cmd.Args) > 0 && cmd.Args[0] == sub
}

// WriteOut writes data to the path given by the output option (-out for
// openssl, --output-file for pkcs11-tool), the way the real tools produce
// their artifacts.
func WriteOut(cmd *toolchain.Command, data []byte) error {
	var path string
	ok := false
	for _, flag := range []string{"-out", "--output-file", "-o"} {
		if path, ok = ArgValue(cmd.Args, flag); ok {
			break
		}
	}
	if !ok {
		return fmt.Errorf("mocks: no output path in %s", strings.Join(cmd.Args, " "))
	}
	if path == os.DevNull {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Fail returns a non-zero exit result with the given stderr.
func Fail(cmd *toolchain.Command, stderr string) (*toolchain.Result, error) {
	return &toolchain.Result{Stderr: []byte(stderr), ExitCode: 1}, &toolchain.Error{
		Kind:       toolchain.ErrExit,
		Command:    cmd.String(),
		ExitCode:   1,
		Diagnostic: stderr,
	}
}
