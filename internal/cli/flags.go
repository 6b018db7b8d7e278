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
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// PINEnv is read when no --pin-file is given.
const PINEnv = "P11PKI_USER_PIN"

// keyFlags are shared by every command that authenticates to the token.
type keyFlags struct {
	keyID      string
	slot       int
	tokenLabel string
	pinFile    string
}

func (f *keyFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.keyID, "key-id", "", "key identifier (hex CKA_ID, ASCII id or object label)")
	fs.IntVar(&f.slot, "slot", 0, "PKCS#11 slot id")
	fs.StringVar(&f.tokenLabel, "token-label", "", "token label to try first")
	fs.StringVar(&f.pinFile, "pin-file", "", "file holding the user PIN, - for a prompt")
	_ = cmd.MarkFlagRequired("key-id")
}

// reference builds the key reference, reading the PIN from the configured
// source. The configured slot applies when --slot is not set. Without
// requirePIN a missing PIN leaves the reference unauthenticated.
func (a *App) reference(cmd *cobra.Command, f *keyFlags, requirePIN bool) (types.KeyReference, error) {
	cfg, err := a.config()
	if err != nil {
		return types.KeyReference{}, err
	}
	slot := f.slot
	if !cmd.Flags().Changed("slot") {
		slot = cfg.Token.Slot
	}
	pin, err := a.readPIN(cmd, f.pinFile)
	if err != nil && requirePIN {
		return types.KeyReference{}, err
	}
	ref := types.KeyReference{
		ID:         trimmed(f.keyID),
		SlotID:     slot,
		TokenLabel: trimmed(f.tokenLabel),
		PIN:        pin,
	}
	if !requirePIN {
		if ref.ID == "" {
			return ref, types.NewConfigurationError("keyId is required")
		}
		return ref, nil
	}
	return ref, ref.Validate()
}

// readPIN resolves the PIN from --pin-file, then P11PKI_USER_PIN, then an
// interactive prompt when stdin is a terminal.
func (a *App) readPIN(cmd *cobra.Command, pinFile string) (types.Secret, error) {
	if pinFile != "" && pinFile != "-" {
		data, err := os.ReadFile(pinFile)
		if err != nil {
			return "", types.NewConfigurationError(fmt.Sprintf("read pin file: %v", err))
		}
		return types.Secret(strings.TrimRight(string(data), "\r\n")), nil
	}
	if pinFile == "" {
		if pin, ok := os.LookupEnv(PINEnv); ok && pin != "" {
			return types.Secret(pin), nil
		}
	}
	in, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(in.Fd())) {
		return "", types.NewConfigurationError("pin is required: use --pin-file or " + PINEnv)
	}
	fmt.Fprint(cmd.ErrOrStderr(), "User PIN: ")
	raw, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", types.NewConfigurationError("unable to read PKCS#11 pin")
	}
	return types.Secret(strings.TrimRight(string(raw), "\r\n")), nil
}

// subjectFlags describe the certificate subject and extensions.
type subjectFlags struct {
	subject      types.SubjectDescriptor
	san          string
	validityDays int
	isCA         bool
	certType     string
	keyType      string
	keySize      int
	importToken  bool
	noImport     bool
}

func (f *subjectFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.subject.CN, "cn", "", "subject common name")
	fs.StringVar(&f.subject.O, "org", "", "subject organization")
	fs.StringVar(&f.subject.OU, "ou", "", "subject organizational unit")
	fs.StringVar(&f.subject.C, "country", "", "subject country")
	fs.StringVar(&f.subject.L, "locality", "", "subject locality")
	fs.StringVar(&f.subject.Email, "email", "", "subject email address")
	fs.StringVar(&f.san, "san", "", "subjectAltName entries, comma separated (DNS:, IP:, email:, URI:)")
	fs.IntVar(&f.validityDays, "days", 0, "validity in days (default from config)")
	fs.BoolVar(&f.isCA, "ca", false, "issue a CA certificate")
	fs.StringVar(&f.certType, "type", "", "certificate type (server, user, ca)")
	fs.StringVar(&f.keyType, "key-type", "", "key type recorded with the certificate, e.g. EC or RSA")
	fs.IntVar(&f.keySize, "key-size", 0, "key size recorded with the certificate")
	fs.BoolVar(&f.importToken, "import", false, "import the certificate onto the token")
	fs.BoolVar(&f.noImport, "no-import", false, "do not import the certificate onto the token")
	cmd.MarkFlagsMutuallyExclusive("import", "no-import")
}

// importOverride returns nil when neither --import nor --no-import was given.
func (f *subjectFlags) importOverride() *bool {
	switch {
	case f.importToken:
		v := true
		return &v
	case f.noImport:
		v := false
		return &v
	default:
		return nil
	}
}
