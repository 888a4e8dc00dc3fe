package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"tasksync/domain"
)

// DefaultRedisTasksKey is the hash holding one field per task id.
const DefaultRedisTasksKey = "tasksync:tasks"

// nextIDScript only ever raises the stored high-water mark.
var nextIDScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = tonumber(ARGV[1])
if next > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	return next
end
return cur
`)

// RedisPersister keeps every task as a JSON field of a single Redis hash.
// The id high-water mark lives next to it under "<key>:next".
type RedisPersister struct {
	redis   *redis.Client
	key     string
	nextKey string
}

// NewRedisPersister creates a persister writing to the given hash key.
func NewRedisPersister(client *redis.Client, key string) *RedisPersister {
	if client == nil {
		panic("storage.NewRedisPersister: redis client is nil")
	}
	if key == "" {
		key = DefaultRedisTasksKey
	}
	return &RedisPersister{redis: client, key: key, nextKey: key + ":next"}
}

// LoadTasks returns all stored tasks ordered by id, which is creation order.
func (p *RedisPersister) LoadTasks(ctx context.Context) ([]domain.Task, error) {
	fields, err := p.redis.HGetAll(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(fields))
	for field, raw := range fields {
		var t domain.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", field, err)
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (p *RedisPersister) SaveTask(ctx context.Context, task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.redis.HSet(ctx, p.key, taskField(task.ID), data).Err()
}

func (p *RedisPersister) DeleteTask(ctx context.Context, id int64) error {
	return p.redis.HDel(ctx, p.key, taskField(id)).Err()
}

func taskField(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (p *RedisPersister) LoadNextID(ctx context.Context) (int64, error) {
	next, err := p.redis.Get(ctx, p.nextKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load next id: %w", err)
	}
	return next, nil
}

func (p *RedisPersister) SaveNextID(ctx context.Context, next int64) error {
	return nextIDScript.Run(ctx, p.redis, []string{p.nextKey}, next).Err()
}
