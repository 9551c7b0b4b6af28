// Package postgres is the pgx-backed MessageStore for deployments where dev
// chat history must survive restarts.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS group_messages (
    id            BIGSERIAL PRIMARY KEY,
    group_id      BIGINT      NOT NULL,
    sender_name   TEXT        NOT NULL,
    sender_avatar TEXT        NOT NULL DEFAULT '',
    body          TEXT        NOT NULL,
    reply_to      JSONB,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS group_messages_group_created
    ON group_messages (group_id, created_at DESC);
`

type Store struct {
	pool *pgxpool.Pool
}

// New prepares the schema and returns a store over the given pool. The pool
// is owned by the caller (Close does not close it).
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pg schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) Append(ctx context.Context, groupID int64, msg wire.ChatFrame) (int64, error) {
	defer logger.DeferLogDuration("pgstore.Append", time.Now())()
	var reply []byte
	if msg.ReplyTo != nil {
		var err error
		reply, err = json.Marshal(msg.ReplyTo)
		if err != nil {
			return 0, fmt.Errorf("pg marshal reply: %w", err)
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO group_messages (group_id, sender_name, sender_avatar, body, reply_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		groupID, msg.SenderName, msg.SenderAvatar, msg.Body, reply, msg.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("pgstore.Append: %w", err)
	}
	return id, nil
}

func (s *Store) Recent(ctx context.Context, groupID int64, limit int) ([]wire.ChatFrame, error) {
	defer logger.DeferLogDuration("pgstore.Recent", time.Now())()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_name, sender_avatar, body, reply_to, created_at
		 FROM group_messages
		 WHERE group_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore.Recent query: %w", err)
	}
	defer rows.Close()

	newest := make([]wire.ChatFrame, 0, limit)
	for rows.Next() {
		var f wire.ChatFrame
		var reply []byte
		if err := rows.Scan(&f.ID, &f.SenderName, &f.SenderAvatar, &f.Body, &reply, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore.Recent scan: %w", err)
		}
		if len(reply) > 0 {
			f.ReplyTo = &wire.Reply{}
			if err := json.Unmarshal(reply, f.ReplyTo); err != nil {
				return nil, fmt.Errorf("pgstore.Recent reply: %w", err)
			}
		}
		newest = append(newest, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore.Recent rows: %w", err)
	}

	// Query is newest first; history is served oldest first.
	out := make([]wire.ChatFrame, len(newest))
	for i, f := range newest {
		out[len(newest)-1-i] = f
	}
	return out, nil
}
