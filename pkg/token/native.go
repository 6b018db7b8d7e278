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

//go:build pkcs11

package token

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/pkcs11uri"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
	"github.com/jeremyhahn/go-p11pki/pkg/workspace"
)

// Native implements Store with an in-process PKCS #11 session.
//
// PKCS #11 sessions are not thread-safe; even FindObjectsInit mutates
// session state, so every call is serialized.
type Native struct {
	ctx    *pkcs11.Ctx
	logger *logging.Logger
	mu     sync.Mutex
}

func newNative(cfg *Config, logger *logging.Logger) (Store, error) {
	if cfg.ModulePath == "" {
		return nil, types.NewConfigurationError("token module_path is required for the native driver")
	}
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, types.NewConfigurationError(fmt.Sprintf("cannot load PKCS#11 module %q", cfg.ModulePath))
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("token: initialize %s: %w", cfg.ModulePath, err)
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Native{ctx: ctx, logger: logger}, nil
}

// Close finalizes the module.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx == nil {
		return nil
	}
	err := n.ctx.Finalize()
	n.ctx.Destroy()
	n.ctx = nil
	return err
}

// slot resolves the slot for ref: by token label when set, else by slot id.
func (n *Native) slot(ref types.KeyReference) (uint, error) {
	slots, err := n.ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("token: list slots: %w", err)
	}
	for _, s := range slots {
		if ref.TokenLabel == "" {
			if int(s) == ref.SlotID {
				return s, nil
			}
			continue
		}
		info, err := n.ctx.GetTokenInfo(s)
		if err != nil {
			continue
		}
		if info.Label == ref.TokenLabel {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: no slot for %s", ErrObjectNotFound, ref.String())
}

func (n *Native) session(ref types.KeyReference, rw bool) (pkcs11.SessionHandle, func(), error) {
	slot, err := n.slot(ref)
	if err != nil {
		return 0, nil, err
	}
	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if rw {
		flags |= pkcs11.CKF_RW_SESSION
	}
	sh, err := n.ctx.OpenSession(slot, flags)
	if err != nil {
		return 0, nil, fmt.Errorf("token: open session: %w", err)
	}
	return sh, func() { _ = n.ctx.CloseSession(sh) }, nil
}

// ReadCertificate finds a CKO_CERTIFICATE by CKA_ID or CKA_LABEL.
func (n *Native) ReadCertificate(ctx context.Context, _ *workspace.Workspace, ref types.KeyReference, sel Selector) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	sh, closeFn, err := n.session(ref, false)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	templates := [][]*pkcs11.Attribute{}
	switch sel {
	case ByID:
		for _, id := range pkcs11uri.IDForms(ref.ID) {
			templates = append(templates, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
				pkcs11.NewAttribute(pkcs11.CKA_ID, id),
			})
		}
	case ByLabel:
		templates = append(templates, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, ref.ID),
		})
	default:
		return nil, fmt.Errorf("token: unknown selector %q", sel)
	}

	for _, tmpl := range templates {
		handle, err := n.find(sh, tmpl)
		if err != nil {
			return nil, err
		}
		if handle == 0 {
			continue
		}
		attrs, err := n.ctx.GetAttributeValue(sh, handle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("token: get certificate value: %w", err)
		}
		if len(attrs) > 0 && len(attrs[0].Value) > 0 {
			return attrs[0].Value, nil
		}
	}
	return nil, fmt.Errorf("%w by %s %q", ErrObjectNotFound, sel, ref.ID)
}

// WriteCertificate replaces any certificate with the same CKA_ID.
func (n *Native) WriteCertificate(ctx context.Context, _ *workspace.Workspace, ref types.KeyReference, der []byte, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref.PIN.IsEmpty() {
		return types.NewConfigurationError("pin is required for token import")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("token: parse certificate: %w", err)
	}
	if label == "" {
		label = ref.ID
	}
	id := pkcs11uri.IDForms(ref.ID)[0]

	n.mu.Lock()
	defer n.mu.Unlock()

	sh, closeFn, err := n.session(ref, true)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := n.ctx.Login(sh, pkcs11.CKU_USER, ref.PIN.Reveal()); err != nil && err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
		return fmt.Errorf("token: login failed: %w", err)
	}
	defer func() { _ = n.ctx.Logout(sh) }()

	existing, err := n.find(sh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	})
	if err != nil {
		return err
	}
	if existing != 0 {
		if err := n.ctx.DestroyObject(sh, existing); err != nil {
			return fmt.Errorf("token: delete existing certificate: %w", err)
		}
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_SUBJECT, cert.RawSubject),
		pkcs11.NewAttribute(pkcs11.CKA_ISSUER, cert.RawIssuer),
		pkcs11.NewAttribute(pkcs11.CKA_SERIAL_NUMBER, cert.SerialNumber.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, cert.Raw),
	}
	if _, err := n.ctx.CreateObject(sh, template); err != nil {
		return fmt.Errorf("token: create certificate object: %w", err)
	}
	n.logger.Debug("certificate imported", "keyId", ref.ID, "label", label)
	return nil
}

func (n *Native) find(sh pkcs11.SessionHandle, template []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	if err := n.ctx.FindObjectsInit(sh, template); err != nil {
		return 0, fmt.Errorf("token: init object search: %w", err)
	}
	defer func() { _ = n.ctx.FindObjectsFinal(sh) }()

	handles, _, err := n.ctx.FindObjects(sh, 1)
	if err != nil {
		return 0, fmt.Errorf("token: find objects: %w", err)
	}
	if len(handles) == 0 {
		return 0, nil
	}
	return handles[0], nil
}
