/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package authority

import (
	"strings"
	"testing"

	"gotest.tools/assert"
)

func TestGenerateApiKey(t *testing.T) {
	key, err := GenerateApiKey()
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(key, ApiKeyPrefix))
	assert.Assert(t, IsApiKey(key))

	other, err := GenerateApiKey()
	assert.NilError(t, err)
	assert.Assert(t, key != other)
}

func TestHashApiKeyDeterministic(t *testing.T) {
	secret := []byte("test-secret")
	first := HashApiKey("ak-abc123", secret)
	second := HashApiKey("ak-abc123", secret)
	assert.Equal(t, first, second)
	assert.Equal(t, len(first), 64)
}

func TestHashApiKeySecretSensitive(t *testing.T) {
	withSecret := HashApiKey("ak-abc123", []byte("secret-a"))
	otherSecret := HashApiKey("ak-abc123", []byte("secret-b"))
	plain := HashApiKey("ak-abc123", nil)
	assert.Assert(t, withSecret != otherSecret)
	assert.Assert(t, withSecret != plain)
	// nil secret falls back to plain SHA-256, still deterministic
	assert.Equal(t, plain, HashApiKey("ak-abc123", nil))
}

func TestGenerateKeyHint(t *testing.T) {
	hint := GenerateKeyHint("ak-AB12345678CDEF")
	assert.Equal(t, hint, "AB-CDEF")

	// short bodies are returned as-is rather than leaking most of the key
	assert.Equal(t, GenerateKeyHint("ak-abc"), "abc")
}

func TestFormatKeyHint(t *testing.T) {
	assert.Equal(t, FormatKeyHint("AB-CDEF"), "ak-AB****CDEF")
	assert.Equal(t, FormatKeyHint(""), "")
	assert.Equal(t, FormatKeyHint("legacy"), "ak-legacy")
}

func TestHintRoundTrip(t *testing.T) {
	key, err := GenerateApiKey()
	assert.NilError(t, err)
	display := FormatKeyHint(GenerateKeyHint(key))
	assert.Assert(t, strings.HasPrefix(display, "ak-"))
	assert.Assert(t, strings.Contains(display, "****"))
	assert.Assert(t, strings.HasSuffix(display, key[len(key)-4:]))
}

func TestValidateAndDeduplicateWhitelist(t *testing.T) {
	result, err := ValidateAndDeduplicateWhitelist([]string{
		"10.0.0.1", " 10.0.0.1 ", "192.168.0.0/16", "", "10.0.0.2",
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, result, []string{"10.0.0.1", "192.168.0.0/16", "10.0.0.2"})
}

func TestValidateWhitelistRejectsBadEntries(t *testing.T) {
	_, err := ValidateAndDeduplicateWhitelist([]string{"not-an-ip"})
	assert.ErrorContains(t, err, "invalid IP address")

	_, err = ValidateAndDeduplicateWhitelist([]string{"10.0.0.0/99"})
	assert.ErrorContains(t, err, "invalid CIDR")
}

func TestCheckIPWhitelist(t *testing.T) {
	a := &ApiKeyToken{}

	// empty whitelist means no restriction
	assert.NilError(t, a.checkIPWhitelist("", "10.0.0.1"))
	assert.NilError(t, a.checkIPWhitelist("[]", "10.0.0.1"))
	assert.NilError(t, a.checkIPWhitelist("null", "10.0.0.1"))

	assert.NilError(t, a.checkIPWhitelist(`["10.0.0.1"]`, "10.0.0.1"))
	assert.ErrorContains(t, a.checkIPWhitelist(`["10.0.0.1"]`, "10.0.0.2"), "IP not allowed")

	// CIDR match, including host:port client addresses
	assert.NilError(t, a.checkIPWhitelist(`["192.168.0.0/16"]`, "192.168.4.7"))
	assert.NilError(t, a.checkIPWhitelist(`["192.168.0.0/16"]`, "192.168.4.7:52113"))
	assert.ErrorContains(t, a.checkIPWhitelist(`["192.168.0.0/16"]`, "172.16.0.1"), "IP not allowed")
}

func TestExtractApiKeyFromRequest(t *testing.T) {
	assert.Equal(t, ExtractApiKeyFromRequest("Bearer ak-abc123"), "ak-abc123")
	assert.Equal(t, ExtractApiKeyFromRequest("bearer ak-abc123"), "ak-abc123")
	// non-key bearer tokens are left for the JWT path
	assert.Equal(t, ExtractApiKeyFromRequest("Bearer eyJhbGci"), "")
	assert.Equal(t, ExtractApiKeyFromRequest("ak-abc123"), "")
	assert.Equal(t, ExtractApiKeyFromRequest(""), "")
}

func TestMaskApiKey(t *testing.T) {
	assert.Equal(t, maskApiKey("ak-short"), "***")
	masked := maskApiKey("ak-AB12345678CDEF9999")
	assert.Assert(t, strings.HasPrefix(masked, "ak-AB123"))
	assert.Assert(t, strings.Contains(masked, "***"))
	assert.Assert(t, !strings.Contains(masked, "45678CDEF"))
}
