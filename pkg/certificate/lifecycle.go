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

package certificate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeremyhahn/go-p11pki/pkg/correlation"
	"github.com/jeremyhahn/go-p11pki/pkg/metrics"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// Revoke marks the certificate revoked. Revoking an already revoked
// certificate returns it unchanged, keeping the original date and reason.
// An empty reason is recorded as "unspecified".
func (i *Issuer) Revoke(ctx context.Context, id, reason string) (rec *records.CertificateRecord, err error) {
	start := time.Now()
	defer func() {
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
			metrics.RecordError(metrics.OpRevoke, types.KindOf(err))
		}
		metrics.RecordOperation(metrics.OpRevoke, metrics.ModeNone, status, time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, types.NewConfigurationError("certificate id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = records.ReasonUnspecified
	}

	changed := false
	rec, err = i.store.UpdateCertificate(id, func(r *records.CertificateRecord) error {
		if r.Revoked() {
			return records.ErrNoChange
		}
		r.Status = records.StatusRevoked
		r.RevocationDate = i.store.Now().UTC().Format(time.RFC3339)
		r.RevocationReason = reason
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		correlation.Logger(ctx, i.logger).Info("certificate revoked", "id", rec.ID, "keyId", rec.KeyID, "serial", rec.Serial, "reason", reason)
	} else {
		i.logger.Debug("certificate already revoked", "id", rec.ID)
	}
	return rec, nil
}

// RotateRequest issues a replacement certificate for a key that already
// has one.
type RotateRequest struct {
	IssueRequest

	// RevokePrevious revokes every valid certificate previously issued for
	// the key with reason "superseded".
	RevokePrevious bool
}

// RotateResult is the outcome of a rotation.
type RotateResult struct {
	Certificate *records.CertificateRecord   `json:"certificate"`
	Revoked     []*records.CertificateRecord `json:"revoked,omitempty"`
}

// Rotate issues a new certificate for req.Key. The new certificate
// replaces the key's stable signer PEM; previous records stay valid unless
// RevokePrevious is set.
func (i *Issuer) Rotate(ctx context.Context, req RotateRequest) (*RotateResult, error) {
	start := time.Now()
	previous, err := i.store.ListCertificates(records.CertificateFilter{
		KeyID:  req.Key.ID,
		Status: records.StatusValid,
	})
	if err != nil {
		return nil, err
	}
	if len(previous) == 0 {
		metrics.RecordError(metrics.OpRotate, "not_found")
		return nil, &types.OperationError{
			Op:     "rotate",
			Kind:   types.ErrNotFound,
			Reason: fmt.Sprintf("no valid certificate for key %q", req.Key.ID),
		}
	}

	rec, err := i.Issue(ctx, req.IssueRequest)
	if err != nil {
		metrics.RecordOperation(metrics.OpRotate, metrics.ModeNone, metrics.StatusError, time.Since(start).Seconds())
		return nil, err
	}

	result := &RotateResult{Certificate: rec}
	if req.RevokePrevious {
		for _, p := range previous {
			revoked, err := i.Revoke(ctx, p.ID, records.ReasonSuperseded)
			if err != nil {
				metrics.RecordOperation(metrics.OpRotate, rec.Mode, metrics.StatusError, time.Since(start).Seconds())
				return result, fmt.Errorf("certificate: rotated to %s but failed to revoke %s: %w", rec.ID, p.ID, err)
			}
			result.Revoked = append(result.Revoked, revoked)
		}
	}
	metrics.RecordOperation(metrics.OpRotate, rec.Mode, metrics.StatusSuccess, time.Since(start).Seconds())
	return result, nil
}
