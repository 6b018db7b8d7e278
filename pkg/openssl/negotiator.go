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

package openssl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/metrics"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// ProbeResult is the verdict of one backend probe.
type ProbeResult struct {
	Mode       types.Mode `json:"mode"`
	OK         bool       `json:"ok"`
	Reason     string     `json:"reason,omitempty"`
	Diagnostic string     `json:"-"`

	// fatal is set when the toolchain itself is missing.
	fatal error
}

// Summary renders "mode: ok" or "mode: reason".
func (p ProbeResult) Summary() string {
	if p.OK {
		return fmt.Sprintf("%s: ok", p.Mode)
	}
	return fmt.Sprintf("%s: %s", p.Mode, p.Reason)
}

// Plan is the ordered list of backends an operation should try.
type Plan struct {
	Modes    []types.Mode `json:"modes"`
	Provider ProbeResult  `json:"provider"`
	Engine   ProbeResult  `json:"engine"`
}

// Diagnostic combines both probe verdicts.
func (p *Plan) Diagnostic() string {
	return p.Provider.Summary() + "; " + p.Engine.Summary()
}

// Has reports whether mode is part of the plan.
func (p *Plan) Has(mode types.Mode) bool {
	for _, m := range p.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Planner decides which backends an operation may use.
type Planner interface {
	Plan(ctx context.Context) (*Plan, error)
	Config() *Config
}

// Negotiator decides between the provider and engine pipelines.
type Negotiator struct {
	cfg    *Config
	runner toolchain.Runner
	logger *logging.Logger
}

// NewNegotiator returns a negotiator over runner.
func NewNegotiator(cfg *Config, runner toolchain.Runner, logger *logging.Logger) *Negotiator {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Negotiator{cfg: cfg, runner: runner, logger: logger}
}

// Config returns the toolchain configuration.
func (n *Negotiator) Config() *Config {
	return n.cfg
}

// ProbeProvider checks that both the pkcs11 and default providers load
// from moduleDir (the configured ProviderDir when empty).
func (n *Negotiator) ProbeProvider(ctx context.Context, moduleDir string) ProbeResult {
	res := ProbeResult{Mode: types.ModeProvider}
	out, err := n.runner.Run(ctx, ProviderListCommand(n.cfg, moduleDir))
	if err != nil {
		res.fatal = fatalProbeError(err)
		diag := out.Diagnostic()
		if diag == "" {
			diag = err.Error()
		}
		res.Reason = classifyProviderLoadError(diag)
		if res.fatal != nil {
			res.Reason = err.Error()
		}
		res.Diagnostic = types.TruncateDiagnostic(diag)
		n.recordProbe(res)
		return res
	}

	outcome := ParseProviderList(string(out.Stdout) + "\n" + string(out.Stderr))
	res.OK = outcome.OK()
	if !res.OK {
		res.Reason = outcome.Failure.Reason
		res.Diagnostic = outcome.Failure.Diagnostic
	}
	n.recordProbe(res)
	return res
}

// ProbeEngine checks the pkcs11 engine, retrying through the dynamic
// loader when EnginePath is configured.
func (n *Negotiator) ProbeEngine(ctx context.Context) ProbeResult {
	res := ProbeResult{Mode: types.ModeEngine}

	cmds := []*toolchain.Command{EngineTestCommand(n.cfg)}
	if n.cfg.EnginePath != "" {
		cmds = append(cmds, DynamicEngineTestCommand(n.cfg))
	}

	var reasons []string
	var diags []string
	for _, cmd := range cmds {
		out, err := n.runner.Run(ctx, cmd)
		if err != nil {
			if fatal := fatalProbeError(err); fatal != nil {
				res.fatal = fatal
				res.Reason = err.Error()
				n.recordProbe(res)
				return res
			}
			reasons = append(reasons, ReasonEngineMissing)
			diags = append(diags, out.Diagnostic())
			continue
		}
		outcome := ParseEngineProbe(string(out.Stdout))
		if outcome.OK() {
			res.OK = true
			n.recordProbe(res)
			return res
		}
		reasons = append(reasons, outcome.Failure.Reason)
		diags = append(diags, outcome.Failure.Diagnostic)
	}
	res.Reason = dedupeJoin(reasons)
	res.Diagnostic = types.TruncateDiagnostic(strings.Join(diags, "\n"))
	n.recordProbe(res)
	return res
}

// Probe runs both backend probes and reports the usable modes, provider
// first unless ForceEngine is set. It never fails; a missing openssl
// shows up as a failed probe.
func (n *Negotiator) Probe(ctx context.Context) *Plan {
	plan := &Plan{}

	if n.cfg.ForceEngine {
		plan.Provider = ProbeResult{Mode: types.ModeProvider, Reason: "disabled by force_engine"}
	} else {
		plan.Provider = n.ProbeProvider(ctx, "")
		if plan.Provider.fatal != nil {
			plan.Engine = ProbeResult{Mode: types.ModeEngine, Reason: plan.Provider.Reason, fatal: plan.Provider.fatal}
			return plan
		}
		if plan.Provider.OK {
			plan.Modes = append(plan.Modes, types.ModeProvider)
		}
	}

	plan.Engine = n.ProbeEngine(ctx)
	if plan.Engine.OK {
		plan.Modes = append(plan.Modes, types.ModeEngine)
	}
	return plan
}

// Plan probes both backends and returns the usable ones in order. It
// fails with ErrBackendUnavailable, carrying both probe reasons, when
// neither is usable or openssl is not installed.
func (n *Negotiator) Plan(ctx context.Context) (*Plan, error) {
	plan := n.Probe(ctx)
	for _, probe := range []ProbeResult{plan.Provider, plan.Engine} {
		if probe.fatal != nil {
			return nil, n.unavailable(plan, probe.fatal)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(plan.Modes) == 0 {
		return nil, n.unavailable(plan, nil)
	}

	n.logger.Debug("backend plan", "modes", fmt.Sprint(plan.Modes), "probes", plan.Diagnostic())
	return plan, nil
}

func (n *Negotiator) unavailable(plan *Plan, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	diag := strings.TrimSpace(strings.Join([]string{plan.Provider.Diagnostic, plan.Engine.Diagnostic}, "\n"))
	reason := plan.Diagnostic()
	if cause != nil {
		reason = cause.Error()
	}
	n.logger.Warn("no usable backend", "reason", reason)
	return &types.OperationError{
		Op:         "negotiate",
		Kind:       types.ErrBackendUnavailable,
		Reason:     reason,
		Diagnostic: types.TruncateDiagnostic(diag),
	}
}

func (n *Negotiator) recordProbe(res ProbeResult) {
	metrics.RecordProbe(res.Mode.String(), res.OK)
	if res.OK {
		n.logger.Debug("backend probe ok", "mode", res.Mode.String())
		return
	}
	n.logger.Debug("backend probe failed", "mode", res.Mode.String(), "reason", res.Reason)
}

// fatalProbeError returns err when it must abort negotiation outright.
func fatalProbeError(err error) error {
	if toolchain.IsFatal(err) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func dedupeJoin(in []string) string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return strings.Join(out, "; ")
}
