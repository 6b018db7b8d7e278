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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain/mocks"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
	"github.com/jeremyhahn/go-p11pki/pkg/workspace"
)

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Cleanup() })
	return ws
}

func TestHexID(t *testing.T) {
	assert.Equal(t, "01", HexID("01"))
	assert.Equal(t, "0a1b", HexID("0A1b"))
	assert.Equal(t, "6b6579", HexID("key"))
	assert.Equal(t, "31", HexID("1"))
}

func TestTool_ReadCertificateByID(t *testing.T) {
	runner := mocks.NewRunner(func(ctx context.Context, cmd *toolchain.Command) (*toolchain.Result, error) {
		return &toolchain.Result{}, mocks.WriteOut(cmd, []byte{0x30, 0x01, 0x02})
	})
	tool := NewTool(&Config{ModulePath: "/usr/lib/opensc-pkcs11.so"}, runner, logging.Discard())
	ws := newWorkspace(t)

	der, err := tool.ReadCertificate(context.Background(), ws, types.KeyReference{ID: "01", TokenLabel: "SmartCard-HSM"}, ByID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x01, 0x02}, der)

	require.Equal(t, 1, runner.CallCount())
	args := runner.Recorded()[0].Args
	v, _ := mocks.ArgValue(args, "--module")
	assert.Equal(t, "/usr/lib/opensc-pkcs11.so", v)
	v, _ = mocks.ArgValue(args, "--token-label")
	assert.Equal(t, "SmartCard-HSM", v)
	v, _ = mocks.ArgValue(args, "--id")
	assert.Equal(t, "01", v)
	v, _ = mocks.ArgValue(args, "--type")
	assert.Equal(t, "cert", v)
	assert.True(t, mocks.HasArg(args, "--read-object"))
	assert.Equal(t, DefaultBinary, runner.Recorded()[0].Name)
}

func TestTool_ReadCertificateByLabelUsesSlot(t *testing.T) {
	runner := mocks.NewRunner(func(ctx context.Context, cmd *toolchain.Command) (*toolchain.Result, error) {
		return &toolchain.Result{}, mocks.WriteOut(cmd, []byte("der"))
	})
	tool := NewTool(&Config{}, runner, logging.Discard())
	_, err := tool.ReadCertificate(context.Background(), newWorkspace(t), types.KeyReference{ID: "signer", SlotID: 3}, ByLabel)
	require.NoError(t, err)

	args := runner.Recorded()[0].Args
	v, _ := mocks.ArgValue(args, "--label")
	assert.Equal(t, "signer", v)
	v, _ = mocks.ArgValue(args, "--slot")
	assert.Equal(t, "3", v)
	assert.False(t, mocks.HasArg(args, "--module"))
}

func TestTool_ReadCertificateNotFound(t *testing.T) {
	failing := mocks.NewRunner(func(ctx context.Context, cmd *toolchain.Command) (*toolchain.Result, error) {
		return mocks.Fail(cmd, "error: object not found")
	})
	tool := NewTool(&Config{}, failing, logging.Discard())
	_, err := tool.ReadCertificate(context.Background(), newWorkspace(t), types.KeyReference{ID: "01"}, ByID)
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	empty := mocks.NewRunner(nil)
	tool = NewTool(&Config{}, empty, logging.Discard())
	_, err = tool.ReadCertificate(context.Background(), newWorkspace(t), types.KeyReference{ID: "01"}, ByID)
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	missing := mocks.NewRunner(func(ctx context.Context, cmd *toolchain.Command) (*toolchain.Result, error) {
		return nil, &toolchain.Error{Kind: toolchain.ErrToolNotFound, Command: cmd.Name}
	})
	tool = NewTool(&Config{}, missing, logging.Discard())
	_, err = tool.ReadCertificate(context.Background(), newWorkspace(t), types.KeyReference{ID: "01"}, ByID)
	assert.True(t, errors.Is(err, toolchain.ErrToolNotFound))
	assert.False(t, errors.Is(err, ErrObjectNotFound))
}

func TestTool_WriteCertificate(t *testing.T) {
	runner := mocks.NewRunner(nil)
	tool := NewTool(&Config{}, runner, logging.Discard())
	ref := types.KeyReference{ID: "01", PIN: types.Secret("123456"), TokenLabel: "SmartCard-HSM"}

	require.NoError(t, tool.WriteCertificate(context.Background(), newWorkspace(t), ref, []byte("der"), ""))
	cmd := runner.Recorded()[0]
	for _, a := range cmd.Args {
		assert.NotContains(t, a, "123456")
	}
	v, _ := mocks.ArgValue(cmd.Args, "--pin")
	assert.Equal(t, "env:"+PINEnv, v)
	v, _ = mocks.ArgValue(cmd.Args, "--label")
	assert.Equal(t, "01", v)
	assert.True(t, mocks.HasArg(cmd.Args, "--login"))
	assert.Equal(t, []string{PINEnv + "=123456"}, cmd.Env)
	assert.Equal(t, []string{"123456"}, cmd.Secrets)

	err := tool.WriteCertificate(context.Background(), newWorkspace(t), types.KeyReference{ID: "01"}, []byte("der"), "")
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestNew(t *testing.T) {
	s, err := New(&Config{}, mocks.NewRunner(nil), logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &Tool{}, s)

	_, err = New(&Config{Driver: "bogus"}, mocks.NewRunner(nil), logging.Discard())
	assert.Error(t, err)
}
