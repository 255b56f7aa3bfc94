/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package audit

import "crypto/sha256"

// MerkleRootOf folds entry hashes into a binary Merkle root. An odd node at
// any level is paired with itself. A single hash is its own root; an empty
// input returns the zero hash.
func MerkleRootOf(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return make([]byte, sha256.Size)
	}
	level := make([][]byte, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			h := sha256.New()
			h.Write(left)
			h.Write(right)
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}
