package directory

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	feedKey     = "stealth:feed"     // list of announcement ids, append-only
	annKeyFmt   = "stealth:ann:%s"   // JSON per announcement
	registryKey = "stealth:registry" // hash: owner address -> meta key material
)

// RedisDirectory backs the Directory contract with a redis list as the feed
// and the list offset as the pagination cursor.
type RedisDirectory struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedis(rdb *redis.Client, log *zap.Logger) *RedisDirectory {
	return &RedisDirectory{rdb: rdb, log: log}
}

func (d *RedisDirectory) Register(ctx context.Context, owner common.Address, spendingPub, viewingPub []byte) (bool, error) {
	val := hex.EncodeToString(spendingPub) + ":" + hex.EncodeToString(viewingPub)
	created, err := d.rdb.HSetNX(ctx, registryKey, owner.Hex(), val).Result()
	if err != nil {
		return false, fmt.Errorf("register %s: %w", owner.Hex(), err)
	}
	return created, nil
}

func (d *RedisDirectory) IsRegistered(ctx context.Context, owner common.Address) bool {
	ok, err := d.rdb.HExists(ctx, registryKey, owner.Hex()).Result()
	if err != nil {
		d.log.Warn("directory: registration check failed", zap.Error(err))
		return false
	}
	return ok
}

func (d *RedisDirectory) Announce(ctx context.Context, a Announcement) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal announcement: %w", err)
	}
	if err := d.rdb.Set(ctx, fmt.Sprintf(annKeyFmt, a.ID), string(raw), 0).Err(); err != nil {
		return "", fmt.Errorf("store announcement: %w", err)
	}
	if err := d.rdb.RPush(ctx, feedKey, a.ID).Err(); err != nil {
		return "", fmt.Errorf("append announcement to feed: %w", err)
	}
	return a.ID, nil
}

func (d *RedisDirectory) MarkClaimed(ctx context.Context, id string) error {
	key := fmt.Sprintf(annKeyFmt, id)
	raw, err := d.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("announcement %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("load announcement %s: %w", id, err)
	}
	var a Announcement
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return fmt.Errorf("unmarshal announcement %s: %w", id, err)
	}
	a.Claimed = true
	updated, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal announcement %s: %w", id, err)
	}
	return d.rdb.Set(ctx, key, string(updated), 0).Err()
}

func (d *RedisDirectory) FetchNew(ctx context.Context, cursor string, count int) ([]Announcement, string) {
	offset := parseCursor(cursor)
	if count <= 0 {
		return nil, cursor
	}

	ids, err := d.rdb.LRange(ctx, feedKey, offset, offset+int64(count)-1).Result()
	if err != nil {
		d.log.Warn("directory: feed fetch failed", zap.Error(err))
		return nil, cursor
	}

	// The cursor only advances past records that actually loaded. A failed
	// load stops the pass there so the next poll retries from that record
	// instead of silently stepping over it — stepping over would hide the
	// payment from this scanner forever. Corrupt records are the one
	// exception: they never get better, so they are skipped and left behind.
	anns := make([]Announcement, 0, len(ids))
	loaded := 0
	for _, id := range ids {
		raw, err := d.rdb.Get(ctx, fmt.Sprintf(annKeyFmt, id)).Result()
		if err != nil {
			d.log.Warn("directory: announcement load failed, will retry next poll",
				zap.String("id", id), zap.Error(err))
			break
		}
		loaded++
		var a Announcement
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			d.log.Warn("directory: announcement corrupt", zap.String("id", id), zap.Error(err))
			continue
		}
		anns = append(anns, a)
	}
	return anns, strconv.FormatInt(offset+int64(loaded), 10)
}

func (d *RedisDirectory) TotalCount(ctx context.Context) int {
	n, err := d.rdb.LLen(ctx, feedKey).Result()
	if err != nil {
		d.log.Warn("directory: feed length failed", zap.Error(err))
		return -1
	}
	return int(n)
}

func parseCursor(cursor string) int64 {
	if cursor == "" {
		return 0
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
