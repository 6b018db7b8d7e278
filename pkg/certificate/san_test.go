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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-p11pki/pkg/types"
)

func TestNormalizeSAN(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		unknown []string
	}{
		{"empty", "", "", nil},
		{"tags recased", "dns:Example.COM, ip: 10.0.0.1 ,EMAIL:ops@example.com", "DNS:example.com, IP:10.0.0.1, email:ops@example.com", nil},
		{"untagged classified", "svc.local;192.168.1.5\nadmin@example.com", "DNS:svc.local, IP:192.168.1.5, email:admin@example.com", nil},
		{"bare ipv6", "::1, fe80::1", "IP:::1, IP:fe80::1", nil},
		{"tagged ipv6", "IP:2001:db8::1", "IP:2001:db8::1", nil},
		{"uri", "uri:https://example.com/a", "URI:https://example.com/a", nil},
		{"duplicates removed", "DNS:a.example, a.example", "DNS:a.example", nil},
		{"unknown tag kept", "DNS:a.example, foo:bar", "DNS:a.example, foo:bar", []string{"foo:bar"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, unknown, err := NormalizeSAN(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.unknown, unknown)
		})
	}
}

func TestNormalizeSAN_Invalid(t *testing.T) {
	for _, in := range []string{"IP:not-an-ip", "DNS:"} {
		_, _, err := NormalizeSAN(in)
		assert.True(t, errors.Is(err, types.ErrConfiguration), in)
	}
}

func TestNormalizeSAN_RejectsConfigExpansion(t *testing.T) {
	for _, in := range []string{"DNS:$HOME.example", "a.example, ${ENV::USER}", "@alt_names", "DNS:@alt_names", "email: @sect"} {
		_, _, err := NormalizeSAN(in)
		assert.True(t, errors.Is(err, types.ErrConfiguration), in)
	}

	got, _, err := NormalizeSAN("email:ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "email:ops@example.com", got)
}

func TestExtensions_Render(t *testing.T) {
	ca := Extensions{IsCA: true, Type: "ca"}.Render()
	assert.Contains(t, ca, "[ v3_p11pki ]\n")
	assert.Contains(t, ca, "basicConstraints = critical, CA:TRUE\n")
	assert.Contains(t, ca, "keyUsage = critical, keyCertSign, cRLSign\n")
	assert.NotContains(t, ca, "subjectAltName")

	leaf := Extensions{Type: "server", SAN: "DNS:a.example, IP:10.0.0.1"}.Render()
	assert.Contains(t, leaf, "basicConstraints = CA:FALSE\n")
	assert.Contains(t, leaf, "keyUsage = critical, digitalSignature, keyEncipherment\n")
	assert.Contains(t, leaf, "extendedKeyUsage = serverAuth, clientAuth\n")
	assert.Contains(t, leaf, "subjectAltName = DNS:a.example, IP:10.0.0.1\n")

	user := Extensions{Type: "user"}
	assert.Equal(t, "clientAuth, emailProtection", user.ExtendedKeyUsage())
}
