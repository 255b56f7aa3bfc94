/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"testing"

	"gotest.tools/assert"
)

func TestChecksumDeterministic(t *testing.T) {
	payload := []byte(`{"nodes": [], "connections": []}`)
	assert.Equal(t, Checksum(payload), Checksum(payload))
	assert.Equal(t, len(Checksum(payload)), 64)
}

func TestChecksumDiffersByPayload(t *testing.T) {
	a := Checksum([]byte(`{"nodes": 1}`))
	b := Checksum([]byte(`{"nodes": 2}`))
	assert.Assert(t, a != b)
}

func TestChecksumEmptyPayload(t *testing.T) {
	// sha256 of the empty string, stable across releases
	assert.Equal(t, Checksum(nil),
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	assert.Equal(t, Checksum([]byte{}), Checksum(nil))
}
