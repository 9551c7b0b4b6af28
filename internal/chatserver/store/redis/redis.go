// Package redis keeps group history in Redis lists: ids come from INCR,
// recent messages from LRANGE over a trimmed per-group list.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/campuschat/internal/wire"
)

const (
	idKey       = "chat:next_id"
	maxPerGroup = 500
)

type Store struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{cli: cli}, nil
}

func (s *Store) Close() error {
	return s.cli.Close()
}

func groupKey(groupID int64) string {
	return fmt.Sprintf("chat:group:%d", groupID)
}

func (s *Store) Append(ctx context.Context, groupID int64, msg wire.ChatFrame) (int64, error) {
	id, err := s.cli.Incr(ctx, idKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	msg.ID = id
	msg.ClientID = ""
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("redis marshal: %w", err)
	}

	key := groupKey(groupID)
	pipe := s.cli.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, maxPerGroup-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis append: %w", err)
	}
	return id, nil
}

func (s *Store) Recent(ctx context.Context, groupID int64, limit int) ([]wire.ChatFrame, error) {
	if limit <= 0 || limit > maxPerGroup {
		limit = maxPerGroup
	}
	raws, err := s.cli.LRange(ctx, groupKey(groupID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent: %w", err)
	}
	// LPUSH order is newest first; history is served oldest first.
	out := make([]wire.ChatFrame, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var f wire.ChatFrame
		if err := json.Unmarshal([]byte(raws[i]), &f); err != nil {
			return nil, fmt.Errorf("redis unmarshal: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}
