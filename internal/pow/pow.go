// Package pow issues and verifies the signup proof-of-work challenge. This
// is a supplemented feature (SPEC_FULL.md §12): spec.md's distillation
// omits it, but original_source's account_controller.cpp gates account
// creation on it, so it is carried forward in the teacher's idiom.
//
// Grounded on original_source/tools/account_tool.cpp's getChallengeHash and
// verifyChallenge: a double-SHA256 over "BCM" || uid || be32(serverNonce) ||
// be32(difficulty) || be32(clientNonce), accepted when the hash's leading
// 32 bits (big-endian) fall below 2^(32-difficulty).
package pow

import (
	"crypto/sha256"
	"encoding/binary"
)

var challengePrefix = [3]byte{'B', 'C', 'M'}

// Hash computes the double-SHA256 challenge digest for the given inputs.
func Hash(uid string, difficulty, serverNonce, clientNonce uint32) [sha256.Size]byte {
	buf := make([]byte, 0, len(challengePrefix)+len(uid)+12)
	buf = append(buf, challengePrefix[:]...)
	buf = append(buf, uid...)
	buf = binary.BigEndian.AppendUint32(buf, serverNonce)
	buf = binary.BigEndian.AppendUint32(buf, difficulty)
	buf = binary.BigEndian.AppendUint32(buf, clientNonce)

	first := sha256.Sum256(buf)
	return sha256.Sum256(first[:])
}

// Verify reports whether clientNonce solves the challenge at the given
// difficulty. difficulty 0 always passes; difficulty above 32 always fails.
func Verify(uid string, difficulty, serverNonce, clientNonce uint32) bool {
	if difficulty < 1 {
		return true
	}
	if difficulty > 32 {
		return false
	}

	hash := Hash(uid, difficulty, serverNonce, clientNonce)
	leading := binary.BigEndian.Uint32(hash[:4])
	target := uint32(1) << (32 - difficulty)
	return leading < target
}
