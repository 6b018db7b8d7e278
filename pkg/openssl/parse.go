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
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

const (
	providerPKCS11  = "pkcs11"
	providerDefault = "default"

	// ReasonPKCS11ProviderMissing reports that the pkcs11 provider did not load.
	ReasonPKCS11ProviderMissing = "pkcs11 provider not loaded"

	// ReasonDefaultProviderMissing reports that the default provider did not load.
	ReasonDefaultProviderMissing = "default provider not loaded"

	// ReasonEngineMissing reports that the pkcs11 engine is unavailable.
	ReasonEngineMissing = "pkcs11 engine not available"

	// x509DateLayout matches openssl's notBefore/notAfter rendering.
	x509DateLayout = "Jan _2 15:04:05 2006 MST"
)

// ProviderStatus maps provider names to whether they report active.
type ProviderStatus map[string]bool

// ParseProviderList parses "openssl list -providers" output. It succeeds
// only when both the pkcs11 and default providers report status: active.
func ParseProviderList(output string) Outcome[ProviderStatus] {
	status := ProviderStatus{}
	current := ""
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "Providers:" {
			continue
		}
		if !strings.Contains(trimmed, ":") {
			current = strings.ToLower(trimmed)
			if _, ok := status[current]; !ok {
				status[current] = false
			}
			continue
		}
		key, value, _ := strings.Cut(trimmed, ":")
		if current != "" && strings.TrimSpace(key) == "status" {
			status[current] = strings.TrimSpace(value) == "active"
		}
	}

	var missing []string
	if !status[providerPKCS11] {
		missing = append(missing, ReasonPKCS11ProviderMissing)
	}
	if !status[providerDefault] {
		missing = append(missing, ReasonDefaultProviderMissing)
	}
	if len(missing) > 0 {
		return Fail[ProviderStatus](strings.Join(missing, "; "), "", output)
	}
	return Success(status)
}

// classifyProviderLoadError maps a failed "openssl list" invocation to a
// probe reason.
func classifyProviderLoadError(diagnostic string) string {
	lower := strings.ToLower(diagnostic)
	switch {
	case strings.Contains(lower, "pkcs11"):
		return ReasonPKCS11ProviderMissing
	case strings.Contains(lower, "default"):
		return ReasonDefaultProviderMissing
	default:
		return ReasonPKCS11ProviderMissing
	}
}

// ParseEngineProbe parses "openssl engine -t" output.
func ParseEngineProbe(output string) Outcome[string] {
	if strings.Contains(output, "[ available ]") {
		name := strings.TrimSpace(strings.SplitN(output, "\n", 2)[0])
		return Success(name)
	}
	return Fail[string](ReasonEngineMissing, "", output)
}

// CertMetadata is the metadata read back from a signed certificate.
type CertMetadata struct {
	// Serial is uppercase hex without separators.
	Serial    string
	NotBefore time.Time
	NotAfter  time.Time
	Subject   string
	Issuer    string
}

// ParseX509Text parses "openssl x509 -noout -serial -dates -subject -issuer"
// output.
func ParseX509Text(output string) Outcome[CertMetadata] {
	var md CertMetadata
	var parseErr error
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "serial":
			md.Serial = NormalizeSerial(value)
		case "notBefore":
			md.NotBefore, parseErr = parseX509Date(value, parseErr)
		case "notAfter":
			md.NotAfter, parseErr = parseX509Date(value, parseErr)
		case "subject":
			md.Subject = value
		case "issuer":
			md.Issuer = value
		}
	}
	switch {
	case parseErr != nil:
		return Fail[CertMetadata](parseErr.Error(), "", output)
	case md.Serial == "":
		return Fail[CertMetadata]("serial not found in x509 output", "", output)
	case md.NotBefore.IsZero() || md.NotAfter.IsZero():
		return Fail[CertMetadata]("validity dates not found in x509 output", "", output)
	}
	return Success(md)
}

func parseX509Date(value string, prev error) (time.Time, error) {
	t, err := time.Parse(x509DateLayout, strings.Join(strings.Fields(value), " "))
	if err != nil {
		t, err = time.Parse("Jan 2 15:04:05 2006 MST", strings.Join(strings.Fields(value), " "))
	}
	if err != nil {
		if prev != nil {
			return time.Time{}, prev
		}
		return time.Time{}, fmt.Errorf("unparseable date %q", value)
	}
	return t.UTC(), prev
}

// NormalizeSerial returns serial as uppercase hex without separators.
func NormalizeSerial(serial string) string {
	s := strings.ToUpper(strings.TrimSpace(serial))
	s = strings.TrimPrefix(s, "0X")
	return strings.ReplaceAll(s, ":", "")
}

// notCMSMarkers identify tool errors caused by input that is not a CMS
// structure at all.
var notCMSMarkers = []string{
	"asn1",
	"wrong tag",
	"not enough data",
	"unsupported content type",
	"no content type",
	"error reading s/mime message",
	"expecting: cms",
	"expecting: pkcs7",
	"bad base64 decode",
	"nested asn1 error",
	"header too long",
}

// ClassifyVerifyFailure maps "openssl cms -verify" diagnostics to a
// reason code: not_cms for format errors, verification_failed otherwise.
func ClassifyVerifyFailure(diagnostic string) Outcome[struct{}] {
	lower := strings.ToLower(diagnostic)
	for _, m := range notCMSMarkers {
		if strings.Contains(lower, m) {
			return Fail[struct{}]("not a CMS/PKCS#7 signature", types.ReasonNotCMS, diagnostic)
		}
	}
	reason := firstLine(diagnostic)
	if reason == "" {
		reason = "signature did not verify"
	}
	return Fail[struct{}](reason, types.ReasonVerificationFailed, diagnostic)
}

// ParseVerifyOutput classifies a finished verify invocation.
func ParseVerifyOutput(diagnostic string, runErr error) Outcome[struct{}] {
	if runErr == nil {
		return Success(struct{}{})
	}
	if diagnostic == "" {
		diagnostic = runErr.Error()
	}
	return ClassifyVerifyFailure(diagnostic)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return types.Truncate(l, 256)
		}
	}
	return ""
}
