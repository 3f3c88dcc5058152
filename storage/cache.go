package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tack-api/domain"
)

type backend interface {
	Snapshot(ctx context.Context, boardID string) (*domain.BoardSnapshot, error)
	ListBoards(ctx context.Context, ownerID string) ([]domain.BoardRef, error)
	InsertBoard(ctx context.Context, snap domain.BoardSnapshot) error
	Apply(ctx context.Context, batch domain.WriteBatch) error
	EnqueueEvents(ctx context.Context, userID string, events []domain.Event) error
}

// Cache wraps a Storage instance with Redis-backed caching for board reads.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) Snapshot(ctx context.Context, boardID string) (*domain.BoardSnapshot, error) {
	if snap, ok := c.loadSnapshotFromCache(ctx, boardID); ok {
		return snap, nil
	}

	snap, err := c.base.Snapshot(ctx, boardID)
	if err != nil {
		return nil, err
	}

	if snap != nil {
		c.storeSnapshot(ctx, boardID, snap)
	}
	return snap, nil
}

func (c *Cache) ListBoards(ctx context.Context, ownerID string) ([]domain.BoardRef, error) {
	if refs, ok := c.loadBoardsFromCache(ctx, ownerID); ok {
		return refs, nil
	}

	refs, err := c.base.ListBoards(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.storeBoards(ctx, ownerID, refs)
	return refs, nil
}

func (c *Cache) InsertBoard(ctx context.Context, snap domain.BoardSnapshot) error {
	if err := c.base.InsertBoard(ctx, snap); err != nil {
		return err
	}

	c.evict(ctx, boardsCacheKey(snap.Board.OwnerID))
	return nil
}

// Apply evicts the board's cached snapshot even when the write conflicts: a
// precondition failure means the cached copy is stale, and the conflict retry
// must read fresh state to make progress.
func (c *Cache) Apply(ctx context.Context, batch domain.WriteBatch) error {
	err := c.base.Apply(ctx, batch)
	c.evict(ctx, boardCacheKey(batch.BoardID))
	return err
}

func (c *Cache) EnqueueEvents(ctx context.Context, userID string, events []domain.Event) error {
	return c.base.EnqueueEvents(ctx, userID, events)
}

// The domain types hide owner and etag fields from API serialization, but the
// cache must round-trip them: a snapshot without etags would issue writes with
// no preconditions. The cached codec re-adds them alongside the embedded type.
type cachedBoard struct {
	domain.Board
	OwnerID string `json:"ownerId"`
	ETag    string `json:"etag,omitempty"`
}

type cachedColumn struct {
	domain.Column
	ETag string `json:"etag,omitempty"`
}

type cachedTask struct {
	domain.Task
	ETag string `json:"etag,omitempty"`
}

type cachedSnapshot struct {
	Board   cachedBoard    `json:"board"`
	Columns []cachedColumn `json:"columns"`
	Tasks   []cachedTask   `json:"tasks"`
}

func toCached(snap *domain.BoardSnapshot) cachedSnapshot {
	out := cachedSnapshot{
		Board: cachedBoard{Board: snap.Board, OwnerID: snap.Board.OwnerID, ETag: snap.Board.ETag},
	}
	for _, col := range snap.Columns {
		out.Columns = append(out.Columns, cachedColumn{Column: col, ETag: col.ETag})
	}
	for _, task := range snap.Tasks {
		out.Tasks = append(out.Tasks, cachedTask{Task: task, ETag: task.ETag})
	}
	return out
}

func fromCached(c cachedSnapshot) *domain.BoardSnapshot {
	snap := &domain.BoardSnapshot{Board: c.Board.Board}
	snap.Board.OwnerID = c.Board.OwnerID
	snap.Board.ETag = c.Board.ETag
	for _, col := range c.Columns {
		col.Column.ETag = col.ETag
		snap.Columns = append(snap.Columns, col.Column)
	}
	for _, task := range c.Tasks {
		task.Task.ETag = task.ETag
		snap.Tasks = append(snap.Tasks, task.Task)
	}
	return snap
}

func (c *Cache) loadSnapshotFromCache(ctx context.Context, boardID string) (*domain.BoardSnapshot, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var cached cachedSnapshot
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return nil, false
	}
	return fromCached(cached), true
}

func (c *Cache) loadBoardsFromCache(ctx context.Context, ownerID string) ([]domain.BoardRef, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardsCacheKey(ownerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, boardsCacheKey(ownerID)).Err()
		}
		return nil, false
	}
	var refs []domain.BoardRef
	if err := json.Unmarshal(data, &refs); err != nil {
		_ = c.redis.Del(ctx, boardsCacheKey(ownerID)).Err()
		return nil, false
	}
	return refs, true
}

func (c *Cache) storeSnapshot(ctx context.Context, boardID string, snap *domain.BoardSnapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(toCached(snap))
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) storeBoards(ctx context.Context, ownerID string, refs []domain.BoardRef) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardsCacheKey(ownerID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, keys ...string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}

func boardsCacheKey(ownerID string) string {
	return "boards:" + ownerID
}
