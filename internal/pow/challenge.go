package pow

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Challenge is the per-uid signup proof-of-work state, stored keyed by uid
// with a TTL matching config.AuthConfig.ChallengeTTL (spec.md's
// ErrChallengeExpired scenario).
type Challenge struct {
	Difficulty uint32
	Nonce      uint32
	IssuedAt   time.Time
}

// Mint generates a fresh challenge at the given difficulty.
func Mint(difficulty uint32) (Challenge, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Challenge{}, err
	}
	return Challenge{
		Difficulty: difficulty,
		Nonce:      binary.BigEndian.Uint32(b[:]),
		IssuedAt:   time.Now(),
	}, nil
}

// Expired reports whether the challenge has outlived ttl.
func (c Challenge) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(c.IssuedAt) > ttl
}

// VerifyClientNonce checks clientNonce solves c for uid.
func (c Challenge) VerifyClientNonce(uid string, clientNonce uint32) bool {
	return Verify(uid, c.Difficulty, c.Nonce, clientNonce)
}
