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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-p11pki/pkg/cms"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
)

// readInput reads a file, or standard input for "-".
func (a *App) readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(a.stdin)
	}
	return os.ReadFile(path)
}

func (a *App) newSignCommand() *cobra.Command {
	var kf keyFlags
	var (
		detached   bool
		signerCert string
		name       string
		out        string
	)
	cmd := &cobra.Command{
		Use:   "sign <document>",
		Short: "Produce a CMS/PKCS#7 signature with a token key",
		Long: `Sign a document with the token-resident private key. The signer
certificate is read from --signer-cert, the record store, or the token, in
that order. Use - to sign standard input.`,
		Example: `  p11pki sign --key-id 01 --pin-file pin.txt --out . firmware.bin
  p11pki sign --key-id 01 --detached=false --signer-cert signer.pem report.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := a.reference(cmd, &kf, true)
			if err != nil {
				return err
			}
			doc, err := a.readInput(args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			var certPEM []byte
			if signerCert != "" {
				if certPEM, err = os.ReadFile(signerCert); err != nil {
					return fmt.Errorf("read signer certificate: %w", err)
				}
			}
			if name == "" && args[0] != "-" {
				name = filepath.Base(args[0])
			}
			svc, err := a.pki()
			if err != nil {
				return err
			}
			rec, err := svc.Sign(cmd.Context(), cms.SignRequest{
				Document:      doc,
				DocumentName:  name,
				Key:           ref,
				Detached:      detached,
				SignerCertPEM: string(certPEM),
			})
			if err != nil {
				return err
			}
			if out != "" {
				rc, fileName, err := svc.OpenSignature(rec.ID)
				if err != nil {
					return err
				}
				defer rc.Close()
				if err := a.export(cmd, rc, fileName, out); err != nil {
					return err
				}
			}
			return a.printer().PrintSignature(rec)
		},
	}
	kf.register(cmd)
	fs := cmd.Flags()
	fs.BoolVar(&detached, "detached", true, "produce a detached signature (.p7s); false envelops the content (.p7m)")
	fs.StringVar(&signerCert, "signer-cert", "", "signer certificate PEM")
	fs.StringVar(&name, "name", "", "document name recorded with the signature")
	fs.StringVar(&out, "out", "", "also write the signature to this file or directory")
	return cmd
}

func (a *App) newVerifyCommand() *cobra.Command {
	var content, caFile string
	cmd := &cobra.Command{
		Use:   "verify <signature>",
		Short: "Verify a CMS/PKCS#7 signature",
		Long: `Verify a PEM or DER CMS signature. Detached signatures need the signed
content through --content. Without --ca only integrity is checked.
Exits with status 3 when the signature does not verify.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := a.readInput(args[0])
			if err != nil {
				return fmt.Errorf("read signature: %w", err)
			}
			req := cms.VerifyRequest{Signature: sig}
			if content != "" {
				if req.Content, err = a.readInput(content); err != nil {
					return fmt.Errorf("read content: %w", err)
				}
			}
			if caFile != "" {
				if req.CABundle, err = os.ReadFile(caFile); err != nil {
					return fmt.Errorf("read CA bundle: %w", err)
				}
			}
			svc, err := a.pki()
			if err != nil {
				return err
			}
			res := svc.Verify(cmd.Context(), req)
			if err := a.printer().PrintVerification(res); err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "detached content")
	cmd.Flags().StringVar(&caFile, "ca", "", "CA bundle PEM")
	return cmd
}

func (a *App) newSignaturesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "signatures",
		Aliases: []string{"sigs"},
		Short:   "Inspect recorded signatures",
	}

	var filter records.SignatureFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List signature records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.pki()
			if err != nil {
				return err
			}
			recs, err := svc.ListSignatures(filter)
			if err != nil {
				return err
			}
			return a.printer().PrintSignatureList(recs)
		},
	}
	list.Flags().StringVar(&filter.KeyID, "key-id", "", "filter by key id")
	list.Flags().StringVar(&filter.Search, "search", "", "case-insensitive substring search")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one signature record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.pki()
			if err != nil {
				return err
			}
			rec, err := svc.GetSignature(args[0])
			if err != nil {
				return err
			}
			return a.printer().PrintSignature(rec)
		},
	}

	var out string
	export := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a stored signature artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.pki()
			if err != nil {
				return err
			}
			rc, name, err := svc.OpenSignature(args[0])
			if err != nil {
				return err
			}
			defer rc.Close()
			return a.export(cmd, rc, name, out)
		},
	}
	export.Flags().StringVar(&out, "out", "", "output file or directory")

	cmd.AddCommand(list, show, export)
	return cmd
}
