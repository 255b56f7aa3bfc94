/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package audit

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"gotest.tools/assert"
)

func TestMerkleRootOfEmpty(t *testing.T) {
	root := MerkleRootOf(nil)
	assert.Equal(t, len(root), sha256.Size)
	assert.Assert(t, bytes.Equal(root, make([]byte, sha256.Size)))
}

func TestMerkleRootOfSingle(t *testing.T) {
	h := sha256.Sum256([]byte("entry-1"))
	root := MerkleRootOf([][]byte{h[:]})
	assert.Assert(t, bytes.Equal(root, h[:]))
}

func TestMerkleRootOfPair(t *testing.T) {
	a := sha256.Sum256([]byte("entry-1"))
	b := sha256.Sum256([]byte("entry-2"))

	hasher := sha256.New()
	hasher.Write(a[:])
	hasher.Write(b[:])
	expected := hasher.Sum(nil)

	root := MerkleRootOf([][]byte{a[:], b[:]})
	assert.Assert(t, bytes.Equal(root, expected))
}

func TestMerkleRootOddNodePairsWithItself(t *testing.T) {
	a := sha256.Sum256([]byte("entry-1"))
	b := sha256.Sum256([]byte("entry-2"))
	c := sha256.Sum256([]byte("entry-3"))

	left := sha256.New()
	left.Write(a[:])
	left.Write(b[:])
	right := sha256.New()
	right.Write(c[:])
	right.Write(c[:])
	top := sha256.New()
	top.Write(left.Sum(nil))
	top.Write(right.Sum(nil))

	root := MerkleRootOf([][]byte{a[:], b[:], c[:]})
	assert.Assert(t, bytes.Equal(root, top.Sum(nil)))
}

func TestMerkleRootOrderSensitive(t *testing.T) {
	a := sha256.Sum256([]byte("entry-1"))
	b := sha256.Sum256([]byte("entry-2"))
	assert.Assert(t, !bytes.Equal(
		MerkleRootOf([][]byte{a[:], b[:]}),
		MerkleRootOf([][]byte{b[:], a[:]})))
}

func TestMerkleRootDoesNotMutateInput(t *testing.T) {
	a := sha256.Sum256([]byte("entry-1"))
	b := sha256.Sum256([]byte("entry-2"))
	c := sha256.Sum256([]byte("entry-3"))
	input := [][]byte{a[:], b[:], c[:]}
	MerkleRootOf(input)
	assert.Assert(t, bytes.Equal(input[0], a[:]))
	assert.Assert(t, bytes.Equal(input[2], c[:]))
}
