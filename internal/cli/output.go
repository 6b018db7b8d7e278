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

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-p11pki/pkg/certificate"
	"github.com/jeremyhahn/go-p11pki/pkg/openssl"
	"github.com/jeremyhahn/go-p11pki/pkg/pkcs11uri"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(strings.ToLower(format)),
		writer: writer,
	}
}

// JSON reports whether the printer emits JSON.
func (p *Printer) JSON() bool {
	return p.format == OutputFormatJSON
}

// PrintCertificate prints one certificate record
func (p *Printer) PrintCertificate(rec *records.CertificateRecord) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(rec)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Certificate %s\n", rec.ID)
		fmt.Fprintf(p.writer, "  Key ID:   %s\n", rec.KeyID)
		fmt.Fprintf(p.writer, "  Subject:  %s\n", rec.Subject)
		fmt.Fprintf(p.writer, "  Serial:   %s (%s)\n", rec.Serial, rec.SerialSource)
		fmt.Fprintf(p.writer, "  Type:     %s\n", rec.Type)
		fmt.Fprintf(p.writer, "  Issued:   %s\n", rec.Issued)
		fmt.Fprintf(p.writer, "  Expires:  %s\n", rec.Expires)
		fmt.Fprintf(p.writer, "  Status:   %s\n", rec.Status)
		if rec.Revoked() {
			fmt.Fprintf(p.writer, "  Revoked:  %s (%s)\n", rec.RevocationDate, rec.RevocationReason)
		}
		if rec.SAN != "" {
			fmt.Fprintf(p.writer, "  SAN:      %s\n", rec.SAN)
		}
		fmt.Fprintf(p.writer, "  Mode:     %s\n", rec.Mode)
		fmt.Fprintf(p.writer, "  Imported: %t\n", rec.ImportedToToken)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCertificateList prints certificate records as a table
func (p *Printer) PrintCertificateList(recs []*records.CertificateRecord) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"certificates": recs,
		})
	case OutputFormatText:
		if len(recs) == 0 {
			fmt.Fprintln(p.writer, "No certificates found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-36s %-20s %-8s %-8s %-25s %s\n", "ID", "KEY ID", "TYPE", "STATUS", "EXPIRES", "SUBJECT")
		fmt.Fprintln(p.writer, strings.Repeat("-", 120))
		for _, rec := range recs {
			fmt.Fprintf(p.writer, "%-36s %-20s %-8s %-8s %-25s %s\n",
				rec.ID, rec.KeyID, rec.Type, rec.Status, rec.Expires, rec.Subject)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintRotation prints a rotation result
func (p *Printer) PrintRotation(res *certificate.RotateResult) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(res)
	}
	if err := p.PrintCertificate(res.Certificate); err != nil {
		return err
	}
	for _, rec := range res.Revoked {
		fmt.Fprintf(p.writer, "Revoked previous certificate %s (%s)\n", rec.ID, rec.RevocationReason)
	}
	return nil
}

// PrintSignature prints one signature record
func (p *Printer) PrintSignature(rec *records.SignatureRecord) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(rec)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Signature %s\n", rec.ID)
		fmt.Fprintf(p.writer, "  Document:    %s (%d bytes)\n", rec.Document, rec.DocumentSize)
		fmt.Fprintf(p.writer, "  SHA-256:     %s\n", rec.DocumentSHA256)
		fmt.Fprintf(p.writer, "  Key ID:      %s\n", rec.KeyID)
		if rec.CertificateID != "" {
			fmt.Fprintf(p.writer, "  Certificate: %s\n", rec.CertificateID)
		}
		fmt.Fprintf(p.writer, "  Detached:    %t\n", rec.Detached)
		fmt.Fprintf(p.writer, "  Mode:        %s\n", rec.Mode)
		fmt.Fprintf(p.writer, "  Output:      %s\n", rec.OutputName)
		fmt.Fprintf(p.writer, "  Signed:      %s\n", rec.Timestamp)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSignatureList prints signature records as a table
func (p *Printer) PrintSignatureList(recs []*records.SignatureRecord) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"signatures": recs,
		})
	case OutputFormatText:
		if len(recs) == 0 {
			fmt.Fprintln(p.writer, "No signatures found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-36s %-20s %-8s %-25s %s\n", "ID", "KEY ID", "MODE", "SIGNED", "DOCUMENT")
		fmt.Fprintln(p.writer, strings.Repeat("-", 110))
		for _, rec := range recs {
			fmt.Fprintf(p.writer, "%-36s %-20s %-8s %-25s %s\n",
				rec.ID, rec.KeyID, rec.Mode, rec.Timestamp, rec.Document)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintVerification prints a verification result
func (p *Printer) PrintVerification(res *types.VerificationResult) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(res)
	case OutputFormatText:
		if res.Verified {
			fmt.Fprintln(p.writer, "Verification successful")
		} else {
			fmt.Fprintf(p.writer, "Verification failed (%s): %s\n", res.ReasonCode, res.Reason)
		}
		if res.Encoding != "" {
			fmt.Fprintf(p.writer, "Encoding: %s\n", res.Encoding)
		}
		if res.Notice != "" {
			fmt.Fprintf(p.writer, "Notice: %s\n", res.Notice)
		}
		if res.SignerInfo != "" {
			fmt.Fprintln(p.writer, "Signer:")
			for _, line := range strings.Split(strings.TrimRight(res.SignerInfo, "\n"), "\n") {
				fmt.Fprintf(p.writer, "  %s\n", line)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintPlan prints the backend probe results
func (p *Printer) PrintPlan(plan *openssl.Plan) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(plan)
	case OutputFormatText:
		for _, res := range []openssl.ProbeResult{plan.Provider, plan.Engine} {
			status := "available"
			if !res.OK {
				status = "unavailable: " + res.Reason
			}
			fmt.Fprintf(p.writer, "%-9s %s\n", res.Mode.String()+":", status)
		}
		if len(plan.Modes) == 0 {
			fmt.Fprintln(p.writer, "No usable backend")
			return nil
		}
		modes := make([]string, len(plan.Modes))
		for i, m := range plan.Modes {
			modes[i] = m.String()
		}
		fmt.Fprintf(p.writer, "Order:    %s\n", strings.Join(modes, ", "))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCandidates prints resolved key locators
func (p *Printer) PrintCandidates(mode types.Mode, cands []pkcs11uri.Candidate) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"mode":       mode,
			"candidates": cands,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s locators:\n", mode)
		for i, c := range cands {
			fmt.Fprintf(p.writer, "  %2d. [%s] %s\n", i+1, c.TokenLabel, c.Locator)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string, fields map[string]interface{}) error {
	switch p.format {
	case OutputFormatJSON:
		out := map[string]interface{}{
			"status":  "success",
			"message": message,
		}
		for k, v := range fields {
			out[k] = v
		}
		return p.printJSON(out)
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
