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
	"fmt"
	"net"
	"strings"

	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

// canonicalTags maps lowercased subjectAltName tags to the spelling
// openssl expects.
var canonicalTags = map[string]string{
	"dns":       "DNS",
	"ip":        "IP",
	"email":     "email",
	"uri":       "URI",
	"rid":       "RID",
	"dirname":   "dirName",
	"othername": "otherName",
}

// NormalizeSAN turns a free-form SAN list (comma, semicolon or newline
// separated) into openssl's tagged form, e.g. "DNS:a.example, IP:10.0.0.1".
// Recognized tags are re-cased; untagged entries are classified as IP,
// email or DNS. Entries with an unknown tag are kept verbatim and
// returned in unknown so the caller can warn.
func NormalizeSAN(raw string) (san string, unknown []string, err error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})

	out := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		entry := strings.TrimSpace(f)
		if entry == "" {
			continue
		}
		if err := checkConfigSafe(entry); err != nil {
			return "", nil, err
		}
		norm, known, err := normalizeEntry(entry)
		if err != nil {
			return "", nil, err
		}
		if !known {
			unknown = append(unknown, entry)
		}
		if !seen[norm] {
			seen[norm] = true
			out = append(out, norm)
		}
	}
	return strings.Join(out, ", "), unknown, nil
}

// checkConfigSafe rejects entries openssl's config parser would expand:
// $VAR substitutions and @section references.
func checkConfigSafe(entry string) error {
	if strings.Contains(entry, "$") {
		return types.NewConfigurationError(fmt.Sprintf("subjectAltName %q must not contain '$'", entry))
	}
	_, value, tagged := strings.Cut(entry, ":")
	if strings.HasPrefix(entry, "@") || (tagged && strings.HasPrefix(strings.TrimSpace(value), "@")) {
		return types.NewConfigurationError(fmt.Sprintf("subjectAltName %q must not reference a config section", entry))
	}
	return nil
}

func normalizeEntry(entry string) (string, bool, error) {
	// bare IPv6 addresses contain colons
	if ip := net.ParseIP(entry); ip != nil {
		return "IP:" + ip.String(), true, nil
	}

	tag, value, tagged := strings.Cut(entry, ":")
	if !tagged {
		if strings.Contains(entry, "@") {
			return "email:" + entry, true, nil
		}
		return "DNS:" + strings.ToLower(entry), true, nil
	}

	canonical, ok := canonicalTags[strings.ToLower(strings.TrimSpace(tag))]
	if !ok {
		return entry, false, nil
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false, types.NewConfigurationError(fmt.Sprintf("empty subjectAltName value in %q", entry))
	}
	switch canonical {
	case "IP":
		ip := net.ParseIP(value)
		if ip == nil {
			return "", false, types.NewConfigurationError(fmt.Sprintf("invalid IP address %q in subjectAltName", value))
		}
		value = ip.String()
	case "DNS":
		value = strings.ToLower(value)
	}
	return canonical + ":" + value, true, nil
}
