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

package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
	"github.com/jeremyhahn/go-p11pki/pkg/workspace"
)

// PINEnv carries the PIN to pkcs11-tool via --pin env:.
const PINEnv = "P11PKI_TOKEN_PIN"

// Tool implements Store with pkcs11-tool.
type Tool struct {
	cfg    *Config
	runner toolchain.Runner
	logger *logging.Logger
}

// NewTool returns a pkcs11-tool backed Store.
func NewTool(cfg *Config, runner toolchain.Runner, logger *logging.Logger) *Tool {
	cfg.SetDefaults()
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Tool{cfg: cfg, runner: runner, logger: logger}
}

// tokenArgs selects the module and the token.
func (t *Tool) tokenArgs(ref types.KeyReference) *toolchain.Args {
	args := toolchain.NewArgs().OptIf("--module", t.cfg.ModulePath)
	if ref.TokenLabel != "" {
		args.Opt("--token-label", ref.TokenLabel)
	} else {
		args.Opt("--slot", strconv.Itoa(ref.SlotID))
	}
	return args
}

// ReadCertificate reads a certificate object by id or label.
func (t *Tool) ReadCertificate(ctx context.Context, ws *workspace.Workspace, ref types.KeyReference, sel Selector) ([]byte, error) {
	name := fmt.Sprintf("token-cert-%s.der", sel)
	out, err := ws.Path(name)
	if err != nil {
		return nil, err
	}
	_ = ws.Remove(name)

	args := t.tokenArgs(ref).
		Flag("--read-object").
		Opt("--type", "cert")
	switch sel {
	case ByID:
		args.Opt("--id", HexID(ref.ID))
	case ByLabel:
		args.Opt("--label", ref.ID)
	default:
		return nil, fmt.Errorf("token: unknown selector %q", sel)
	}
	args.Opt("--output-file", out)

	cmd := &toolchain.Command{Name: t.cfg.Binary, Args: args.Slice()}
	if _, err := t.runner.Run(ctx, cmd); err != nil {
		if toolchain.IsFatal(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		t.logger.Debug("token read failed", "selector", string(sel), "error", err.Error())
		return nil, fmt.Errorf("%w by %s %q: %v", ErrObjectNotFound, sel, ref.ID, err)
	}
	if !ws.NonEmpty(name) {
		return nil, fmt.Errorf("%w by %s %q", ErrObjectNotFound, sel, ref.ID)
	}
	return ws.Read(name)
}

// WriteCertificate imports der onto the token, logging in with the PIN
// passed through the child environment.
func (t *Tool) WriteCertificate(ctx context.Context, ws *workspace.Workspace, ref types.KeyReference, der []byte, label string) error {
	if ref.PIN.IsEmpty() {
		return types.NewConfigurationError("pin is required for token import")
	}
	in, err := ws.Write("token-import.der", der)
	if err != nil {
		return err
	}
	if label == "" {
		label = ref.ID
	}
	args := t.tokenArgs(ref).
		Flag("--login").
		Opt("--pin", "env:"+PINEnv).
		Opt("--write-object", in).
		Opt("--type", "cert").
		Opt("--id", HexID(ref.ID)).
		Opt("--label", label)

	pin := ref.PIN.Reveal()
	cmd := &toolchain.Command{
		Name:    t.cfg.Binary,
		Args:    args.Slice(),
		Env:     []string{PINEnv + "=" + pin},
		Secrets: []string{pin},
	}
	if _, err := t.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("token: certificate import failed: %w", err)
	}
	return nil
}
