package redispart

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// HScanPartition runs one HSCAN cursor step of key against the named
// partition's active replica, bypassing gid-based routing entirely — used
// by the offline scan loop, which must walk every partition explicitly
// because a record's partition may not match the group's current hash
// (spec.md §4.3, §9 Open Question 1).
func (r *Router) HScanPartition(ctx context.Context, partitionName, key string, cursor uint64, count int64) (fields map[string]string, nextCursor uint64, err error) {
	client, err := r.ClientFor(partitionName)
	if err != nil {
		return nil, 0, err
	}
	kv, next, err := client.HScan(ctx, key, cursor, "", count).Result()
	if err != nil {
		return nil, 0, err
	}
	fields = make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return fields, next, nil
}

// HSet writes one field of a gid-partitioned hash, retrying across
// replicas on failure.
func (r *Router) HSet(ctx context.Context, gid uint64, key, field, value string) error {
	return r.withFailoverByGID(ctx, gid, func(c *redis.Client) error {
		return c.HSet(ctx, key, field, value).Err()
	})
}

// HMSet writes several fields atomically.
func (r *Router) HMSet(ctx context.Context, gid uint64, key string, fields map[string]string) error {
	return r.withFailoverByGID(ctx, gid, func(c *redis.Client) error {
		values := make([]interface{}, 0, len(fields)*2)
		for k, v := range fields {
			values = append(values, k, v)
		}
		return c.HSet(ctx, key, values...).Err()
	})
}

// HGet reads one field.
func (r *Router) HGet(ctx context.Context, gid uint64, key, field string) (string, error) {
	var out string
	err := r.withFailoverByGID(ctx, gid, func(c *redis.Client) error {
		v, err := c.HGet(ctx, key, field).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// HMGet reads several fields.
func (r *Router) HMGet(ctx context.Context, gid uint64, key string, fields []string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	err := r.withFailoverByGID(ctx, gid, func(c *redis.Client) error {
		vals, err := c.HMGet(ctx, key, fields...).Result()
		if err != nil {
			return err
		}
		for i, f := range fields {
			if s, ok := vals[i].(string); ok {
				out[f] = s
			}
		}
		return nil
	})
	return out, err
}

// HGetAll reads every field of a gid-partitioned hash. The offline scan
// does not use it; it walks group_user_msg_<gid> with HScanPartition.
func (r *Router) HGetAll(ctx context.Context, gid uint64, key string) (map[string]string, error) {
	var out map[string]string
	err := r.withFailoverByGID(ctx, gid, func(c *redis.Client) error {
		v, err := c.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// HDel removes fields from a gid-partitioned hash.
func (r *Router) HDel(ctx context.Context, gid uint64, key string, fields ...string) error {
	return r.withFailoverByGID(ctx, gid, func(c *redis.Client) error {
		return c.HDel(ctx, key, fields...).Err()
	})
}

// ZAdd adds a scored member to a gid-partitioned sorted set, e.g.
// group_msg_list.
func (r *Router) ZAdd(ctx context.Context, gid uint64, key, member string, score float64) error {
	return r.withFailoverByGID(ctx, gid, func(c *redis.Client) error {
		return c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRangeByScoreOnPartition scans group_msg_list for a named partition directly
// (bypassing hash routing, since the offline orchestrator walks every
// partition by name rather than by gid — spec.md §4.3's preserved
// cross-partition scan).
func (r *Router) ZRangeByScoreOnPartition(ctx context.Context, partitionName, key string, min, max string) ([]string, error) {
	client, err := r.ClientFor(partitionName)
	if err != nil {
		return nil, err
	}
	return client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

// ZRangeByScoreWithScoresOnPartition is the score-carrying variant, used by
// the offline scan loop to distinguish "not yet due" from "expired".
func (r *Router) ZRangeByScoreWithScoresOnPartition(ctx context.Context, partitionName, key string, min, max string, count int64) ([]redis.Z, error) {
	client, err := r.ClientFor(partitionName)
	if err != nil {
		return nil, err
	}
	return client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Count: count}).Result()
}

// ZRem removes a member from a gid-partitioned sorted set.
func (r *Router) ZRem(ctx context.Context, gid uint64, key, member string) error {
	return r.withFailoverByGID(ctx, gid, func(c *redis.Client) error {
		return c.ZRem(ctx, key, member).Err()
	})
}

// Incr increments a hash-key-partitioned counter (e.g. a device's badge
// count) and returns the new value.
func (r *Router) Incr(ctx context.Context, hashKey, key string) (int64, error) {
	var newValue int64
	err := r.withFailoverByKey(ctx, hashKey, func(c *redis.Client) error {
		v, err := c.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		newValue = v
		return nil
	})
	return newValue, err
}

// Expire sets a TTL on a hash-key-partitioned key.
func (r *Router) Expire(ctx context.Context, hashKey, key string, ttl time.Duration) error {
	return r.withFailoverByKey(ctx, hashKey, func(c *redis.Client) error {
		return c.Expire(ctx, key, ttl).Err()
	})
}

// Set writes a hash-key-partitioned string key with optional TTL.
func (r *Router) Set(ctx context.Context, hashKey, key, value string, ttl time.Duration) error {
	return r.withFailoverByKey(ctx, hashKey, func(c *redis.Client) error {
		return c.Set(ctx, key, value, ttl).Err()
	})
}

// Get reads a hash-key-partitioned string key.
func (r *Router) Get(ctx context.Context, hashKey, key string) (string, error) {
	var out string
	err := r.withFailoverByKey(ctx, hashKey, func(c *redis.Client) error {
		v, err := c.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Del removes a hash-key-partitioned key.
func (r *Router) Del(ctx context.Context, hashKey, key string) error {
	return r.withFailoverByKey(ctx, hashKey, func(c *redis.Client) error {
		return c.Del(ctx, key).Err()
	})
}

// SetNX attempts the offline orchestrator's leader lease acquisition:
// SETNX key value EX ttl. Reports whether this call won the lease.
func (r *Router) SetNX(ctx context.Context, hashKey, key, value string, ttl time.Duration) (bool, error) {
	var won bool
	err := r.withFailoverByKey(ctx, hashKey, func(c *redis.Client) error {
		ok, err := c.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		won = ok
		return nil
	})
	return won, err
}
