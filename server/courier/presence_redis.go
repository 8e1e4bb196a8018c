package courier

import (
	"time"

	"github.com/go-redis/redis/v7"
)

const presenceKeyPrefix = "courier::presence::"

// releaseIfOwnerScript deletes the presence key only when the stored owner
// still matches, as one atomic cluster op.
var releaseIfOwnerScript = redis.NewScript(
	`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`)

type RedisPresenceManagerConfig struct {
	// EntryTTL bounds how long a presence entry survives without a refresh
	// from its owner, so a crashed process cannot pin an address forever.
	// Zero value means 2 * time.Minute.
	EntryTTL time.Duration
}

// RedisPresenceManager stores presence entries in the shared cache cluster,
// one key per channel name.
type RedisPresenceManager struct {
	client *redis.Client
	config RedisPresenceManagerConfig
}

func NewRedisPresenceManager(client *redis.Client, config RedisPresenceManagerConfig) *RedisPresenceManager {
	if config.EntryTTL == 0 {
		config.EntryTTL = 2 * time.Minute
	}
	return &RedisPresenceManager{client: client, config: config}
}

func (m *RedisPresenceManager) Lookup(addr Address) (string, bool, error) {
	owner, err := m.client.Get(presenceKeyPrefix + addr.Channel()).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func (m *RedisPresenceManager) Claim(addr Address, ownerID string) error {
	return m.client.Set(presenceKeyPrefix+addr.Channel(), ownerID, m.config.EntryTTL).Err()
}

// Refresh extends the TTL of an entry this process still owns. The node calls
// it periodically for every local connection.
func (m *RedisPresenceManager) Refresh(addr Address, ownerID string) error {
	key := presenceKeyPrefix + addr.Channel()
	current, err := m.client.Get(key).Result()
	if err == redis.Nil || (err == nil && current != ownerID) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.client.Expire(key, m.config.EntryTTL).Err()
}

func (m *RedisPresenceManager) Release(addr Address, ownerID string) error {
	return releaseIfOwnerScript.Run(m.client, []string{presenceKeyPrefix + addr.Channel()}, ownerID).Err()
}
