package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcmapp/bcm-server-sub002/internal/pow"
	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
)

const challengeKeyPrefix = "signup_challenge_"

// ChallengeStore persists one pow.Challenge per uid, keyed by uid so it
// lands on whichever partition the uid hashes to — a signup challenge is
// looked up exactly once per uid, never scanned.
type ChallengeStore struct {
	router *redispart.Router
	ttl    time.Duration
}

func NewChallengeStore(router *redispart.Router, ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{router: router, ttl: ttl}
}

type challengeRecord struct {
	Difficulty uint32    `json:"difficulty"`
	Nonce      uint32    `json:"nonce"`
	IssuedAt   time.Time `json:"issued_at"`
}

func (c *ChallengeStore) Put(ctx context.Context, uid string, ch pow.Challenge) error {
	raw, err := json.Marshal(challengeRecord{Difficulty: ch.Difficulty, Nonce: ch.Nonce, IssuedAt: ch.IssuedAt})
	if err != nil {
		return err
	}
	return c.router.Set(ctx, uid, challengeKeyPrefix+uid, string(raw), c.ttl)
}

func (c *ChallengeStore) Get(ctx context.Context, uid string) (pow.Challenge, bool, error) {
	raw, err := c.router.Get(ctx, uid, challengeKeyPrefix+uid)
	if errors.Is(err, redis.Nil) {
		return pow.Challenge{}, false, nil
	}
	if err != nil {
		return pow.Challenge{}, false, err
	}
	var rec challengeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return pow.Challenge{}, false, err
	}
	return pow.Challenge{Difficulty: rec.Difficulty, Nonce: rec.Nonce, IssuedAt: rec.IssuedAt}, true, nil
}

func (c *ChallengeStore) Delete(ctx context.Context, uid string) error {
	return c.router.Del(ctx, uid, challengeKeyPrefix+uid)
}
