package admin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 15 * time.Second
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string

	// OwnerID is admin in every group.
	OwnerID int64

	CacheSize int
	CacheTTL  time.Duration
}

type key struct {
	group int64
	user  int64
}

// Checker answers whether a user administers a group. Admin lists live in Redis, kept in
// sync by the transport, and answers are cached for a short while.
type Checker struct {
	redis   redis.UniversalClient
	prefix  string
	ownerID int64
	cache   *expirable.LRU[key, bool]
}

func NewChecker(c Config) *Checker {
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}

	return &Checker{
		redis:   c.Redis,
		prefix:  c.Prefix,
		ownerID: c.OwnerID,
		cache:   expirable.NewLRU[key, bool](c.CacheSize, nil, c.CacheTTL),
	}
}

func (c *Checker) IsAdmin(ctx context.Context, groupID, userID int64) (bool, error) {
	if userID == c.ownerID {
		return true, nil
	}

	k := key{group: groupID, user: userID}
	if ok, found := c.cache.Get(k); found {
		return ok, nil
	}

	ok, err := c.redis.SIsMember(ctx, c.adminsKey(groupID), strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("admin: check %d in group %d: %w", userID, groupID, err)
	}

	c.cache.Add(k, ok)
	return ok, nil
}

func (c *Checker) Grant(ctx context.Context, groupID, userID int64) error {
	if err := c.redis.SAdd(ctx, c.adminsKey(groupID), strconv.FormatInt(userID, 10)).Err(); err != nil {
		return fmt.Errorf("admin: grant: %w", err)
	}

	c.cache.Remove(key{group: groupID, user: userID})
	return nil
}

func (c *Checker) Revoke(ctx context.Context, groupID, userID int64) error {
	if err := c.redis.SRem(ctx, c.adminsKey(groupID), strconv.FormatInt(userID, 10)).Err(); err != nil {
		return fmt.Errorf("admin: revoke: %w", err)
	}

	c.cache.Remove(key{group: groupID, user: userID})
	return nil
}

// Admins lists the admins of a group, the owner excluded.
func (c *Checker) Admins(ctx context.Context, groupID int64) ([]int64, error) {
	members, err := c.redis.SMembers(ctx, c.adminsKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("admin: list: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func (c *Checker) adminsKey(groupID int64) string {
	return fmt.Sprintf("%s:group:%d:admins", c.prefix, groupID)
}
