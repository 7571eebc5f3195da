// Package cursor stores the single latest cursor/selection per (room, user).
// Pure presence data: every update overwrites the previous value, nothing is
// ordered or kept as history, and the room's state vanishes with the room.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultColor is used when the client does not pick a cursor color.
const DefaultColor = "#007bff"

// Cursor is one user's current cursor state in a room.
type Cursor struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Position  json.RawMessage `json:"position"`
	Selection json.RawMessage `json:"selection,omitempty"`
	Color     string          `json:"cursor_color"`
	Label     string          `json:"user_label"`
	IsVisible bool            `json:"is_visible"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RedisStore keeps one hash per room, keyed by user ID.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "cursor:"}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "cursor:"}
}

func (s *RedisStore) key(roomID string) string {
	return s.prefix + roomID
}

// Upsert overwrites the user's cursor in the room. Last writer wins.
func (s *RedisStore) Upsert(ctx context.Context, roomID string, cur Cursor) error {
	if cur.Color == "" {
		cur.Color = DefaultColor
	}
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	if err := s.client.HSet(ctx, s.key(roomID), cur.UserID, data).Err(); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, roomID, userID string) (Cursor, bool, error) {
	data, err := s.client.HGet(ctx, s.key(roomID), userID).Result()
	if err == redis.Nil {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("get cursor: %w", err)
	}
	var cur Cursor
	if err := json.Unmarshal([]byte(data), &cur); err != nil {
		return Cursor{}, false, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return cur, true, nil
}

// ListRoom returns every cursor currently held for the room, ordered by user
// ID for stable output.
func (s *RedisStore) ListRoom(ctx context.Context, roomID string) ([]Cursor, error) {
	entries, err := s.client.HGetAll(ctx, s.key(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}

	cursors := make([]Cursor, 0, len(entries))
	for _, data := range entries {
		var cur Cursor
		if err := json.Unmarshal([]byte(data), &cur); err != nil {
			return nil, fmt.Errorf("unmarshal cursor: %w", err)
		}
		cursors = append(cursors, cur)
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].UserID < cursors[j].UserID })
	return cursors, nil
}

// Remove drops a single user's cursor, called when their session leaves.
func (s *RedisStore) Remove(ctx context.Context, roomID, userID string) error {
	if err := s.client.HDel(ctx, s.key(roomID), userID).Err(); err != nil {
		return fmt.Errorf("remove cursor: %w", err)
	}
	return nil
}

// DropRoom discards all cursor state for a room, the redis side of the
// room's cascade delete.
func (s *RedisStore) DropRoom(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, s.key(roomID)).Err(); err != nil {
		return fmt.Errorf("drop room cursors: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
