package rentsync

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultNameCacheSize bounds the participant names kept in memory.
const DefaultNameCacheSize = 256

// UnknownUserName is shown for users without a profile row.
const UnknownUserName = "Unknown user"

// NameCache resolves user ids to display names through the users table and
// remembers the answers.
type NameCache struct {
	users *UsersRepo
	names *lru.Cache[string, string]
	group singleflight.Group
	log   logrus.FieldLogger
}

func NewNameCache(users *UsersRepo, size int, log logrus.FieldLogger) *NameCache {
	if size <= 0 {
		size = DefaultNameCacheSize
	}
	names, _ := lru.New[string, string](size)
	if log == nil {
		log = discardLogger()
	}
	return &NameCache{users: users, names: names, log: log}
}

// Cached returns a name without a lookup.
func (n *NameCache) Cached(userID string) (string, bool) {
	return n.names.Get(userID)
}

func (n *NameCache) Set(userID, name string) {
	if userID != "" && name != "" {
		n.names.Add(userID, name)
	}
}

// Name returns the display name for userID, looking it up when it is not
// cached. Unknown users and failed lookups yield UnknownUserName; only
// successful lookups are remembered.
func (n *NameCache) Name(ctx context.Context, userID string) string {
	if name, ok := n.names.Get(userID); ok {
		return name
	}
	v, _, _ := n.group.Do(userID, func() (any, error) {
		res := n.users.Username(ctx, userID)
		if !res.OK {
			if res.Error.Code != CodeNotFound {
				n.log.WithError(res.Error).WithField("user_id", userID).Warn("user lookup failed")
			}
			return "", nil
		}
		n.names.Add(userID, res.Value)
		return res.Value, nil
	})
	if name, _ := v.(string); name != "" {
		return name
	}
	return UnknownUserName
}

// Resolve warms the cache for ids.
func (n *NameCache) Resolve(ctx context.Context, ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		n.Name(ctx, id)
	}
}
