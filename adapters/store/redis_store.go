package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

const (
	invalidatedPrefix = "didconnect:invalidated:"
	profilePrefix     = "didconnect:profile:"

	// NoteKey is the single key holding the DID note, shared by every client of the database.
	NoteKey = "userDID"
)

// RedisStore is a Redis implementation of the Store interface
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: invalidatedPrefix,
	}
}

var _ ports.Store = (*RedisStore)(nil)

// InvalidateToken marks a token as invalidated in Redis
func (s *RedisStore) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+tokenID, "1", expiry).Err(); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}
	return nil
}

// IsTokenInvalidated checks if a token is invalidated in Redis
func (s *RedisStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	val, err := s.client.Exists(ctx, s.prefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token invalidation: %w", err)
	}
	return val > 0, nil
}

// RedisNoteStore keeps the DID note under NoteKey.
type RedisNoteStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisNoteStore(client redis.UniversalClient) *RedisNoteStore {
	return &RedisNoteStore{client: client, key: NoteKey}
}

var _ ports.NoteStore = (*RedisNoteStore)(nil)

func (s *RedisNoteStore) Get(ctx context.Context) (core.DID, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", core.ErrNoteNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read did note: %w", err)
	}
	return core.DID(val), nil
}

func (s *RedisNoteStore) Set(ctx context.Context, did core.DID) error {
	if err := s.client.Set(ctx, s.key, did.String(), 0).Err(); err != nil {
		return fmt.Errorf("failed to write did note: %w", err)
	}
	return nil
}

func (s *RedisNoteStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete did note: %w", err)
	}
	return nil
}

// RedisProfileStore stores each profile as a hash; HSET of the non-empty fields is the merge.
type RedisProfileStore struct {
	client redis.UniversalClient
}

func NewRedisProfileStore(client redis.UniversalClient) *RedisProfileStore {
	return &RedisProfileStore{client: client}
}

var _ ports.ProfileStore = (*RedisProfileStore)(nil)

func (s *RedisProfileStore) Merge(ctx context.Context, addr core.Address, profile core.Profile) (core.Profile, error) {
	key := profilePrefix + addr.String()
	if fields := profile.Fields(); len(fields) > 0 {
		if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
			return core.Profile{}, fmt.Errorf("failed to merge profile: %w", err)
		}
	}
	return s.Get(ctx, addr)
}

func (s *RedisProfileStore) Get(ctx context.Context, addr core.Address) (core.Profile, error) {
	fields, err := s.client.HGetAll(ctx, profilePrefix+addr.String()).Result()
	if err != nil {
		return core.Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}
	return core.ProfileFromFields(fields), nil
}
