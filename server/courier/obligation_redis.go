package courier

import (
	"strconv"

	"github.com/go-redis/redis/v7"
)

const (
	obligationKeyPrefix = "courier::fallback::"
	obligationCursorKey = "courier::fallback::cursor"
)

// RedisObligationStore keeps obligations in the shared cache cluster: one
// sorted set per slot scored by due time, one retry-count hash per slot, and
// a persisted sweep cursor.
type RedisObligationStore struct {
	client *redis.Client
}

func NewRedisObligationStore(client *redis.Client) *RedisObligationStore {
	return &RedisObligationStore{client: client}
}

func slotKey(sl int) string {
	return obligationKeyPrefix + strconv.Itoa(sl)
}

func retriesKey(sl int) string {
	return obligationKeyPrefix + "retries::" + strconv.Itoa(sl)
}

func (s *RedisObligationStore) Schedule(addr Address, dueAt int64) error {
	sl := obligationSlot(addr)
	return s.client.ZAdd(slotKey(sl), &redis.Z{
		Score:  float64(dueAt),
		Member: addr.String(),
	}).Err()
}

func (s *RedisObligationStore) Cancel(addr Address) error {
	sl := obligationSlot(addr)
	pipe := s.client.Pipeline()
	pipe.ZRem(slotKey(sl), addr.String())
	pipe.HDel(retriesKey(sl), addr.String())
	_, err := pipe.Exec()
	return err
}

func (s *RedisObligationStore) Due(sl int, now int64) ([]Address, error) {
	members, err := s.client.ZRangeByScore(slotKey(sl), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	addrs := make([]Address, 0, len(members))
	for _, member := range members {
		addr, err := ParseAddress(member)
		if err != nil {
			// A malformed member cannot be processed; drop it so the slot
			// does not wedge.
			_, _ = s.client.ZRem(slotKey(sl), member).Result()
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (s *RedisObligationStore) TryClaim(addr Address) (bool, error) {
	removed, err := s.client.ZRem(slotKey(obligationSlot(addr)), addr.String()).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *RedisObligationStore) IncrRetries(addr Address) (int64, error) {
	return s.client.HIncrBy(retriesKey(obligationSlot(addr)), addr.String(), 1).Result()
}

func (s *RedisObligationStore) ClearRetries(addr Address) error {
	return s.client.HDel(retriesKey(obligationSlot(addr)), addr.String()).Err()
}

func (s *RedisObligationStore) Cursor() (int, error) {
	val, err := s.client.Get(obligationCursorKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cursor, err := strconv.Atoi(val)
	if err != nil {
		return 0, nil
	}
	return cursor, nil
}

func (s *RedisObligationStore) AdvanceCursor(next int) error {
	return s.client.Set(obligationCursorKey, strconv.Itoa(next), 0).Err()
}
