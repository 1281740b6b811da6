package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/tanq16/dlcore/internal/types"
)

const (
	redisTaskIndex = "dlcore:tasks"
)

// Redis keeps each task in a hash and each connection of a task in its own
// hash, with sets indexing both.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// OpenRedis connects to addr and checks the server answers.
func OpenRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", addr, err)
	}
	return NewRedis(rdb), nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) taskKey(id string) string {
	return fmt.Sprintf("dlcore:task:%s", id)
}

func (r *Redis) connIndexKey(id string) string {
	return fmt.Sprintf("dlcore:conns:%s", id)
}

func (r *Redis) connKey(id string, index int) string {
	return fmt.Sprintf("dlcore:conn:%s:%d", id, index)
}

func taskToMap(t types.Task) map[string]any {
	return map[string]any{
		"id":               t.ID,
		"url":              t.URL,
		"path":             t.Path,
		"path_as_dir":      strconv.FormatBool(t.PathAsDirectory),
		"filename":         t.Filename,
		"status":           t.Status.String(),
		"so_far":           t.SoFar,
		"total":            t.Total,
		"etag":             t.ETag,
		"connection_count": t.ConnectionCount,
		"error":            t.ErrMsg,
	}
}

func taskFromMap(data map[string]string) (types.Task, error) {
	var t types.Task
	var err error
	t.ID = data["id"]
	t.URL = data["url"]
	t.Path = data["path"]
	t.Filename = data["filename"]
	t.ETag = data["etag"]
	t.ErrMsg = data["error"]
	t.PathAsDirectory = data["path_as_dir"] == "true"
	if t.Status = types.ParseStatus(data["status"]); t.Status == 0 {
		return t, fmt.Errorf("bad status %q", data["status"])
	}
	if t.SoFar, err = strconv.ParseInt(data["so_far"], 10, 64); err != nil {
		return t, fmt.Errorf("bad so_far: %w", err)
	}
	if t.Total, err = strconv.ParseInt(data["total"], 10, 64); err != nil {
		return t, fmt.Errorf("bad total: %w", err)
	}
	if t.ConnectionCount, err = strconv.Atoi(data["connection_count"]); err != nil {
		return t, fmt.Errorf("bad connection_count: %w", err)
	}
	return t, nil
}

func (r *Redis) Find(ctx context.Context, id string) (types.Task, error) {
	data, err := r.rdb.HGetAll(ctx, r.taskKey(id)).Result()
	if err != nil {
		return types.Task{}, err
	}
	if len(data) == 0 {
		return types.Task{}, ErrNotFound
	}
	return taskFromMap(data)
}

func (r *Redis) List(ctx context.Context) ([]types.Task, error) {
	ids, err := r.rdb.SMembers(ctx, redisTaskIndex).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	tasks := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := r.Find(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error reading task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r *Redis) Insert(ctx context.Context, t types.Task) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.taskKey(t.ID))
		pipe.HSet(ctx, r.taskKey(t.ID), taskToMap(t))
		pipe.SAdd(ctx, redisTaskIndex, t.ID)
		return nil
	})
	return err
}

func (r *Redis) Update(ctx context.Context, t types.Task) error {
	n, err := r.rdb.Exists(ctx, r.taskKey(t.ID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", t.ID, ErrNotFound)
	}
	return r.rdb.HSet(ctx, r.taskKey(t.ID), taskToMap(t)).Err()
}

func (r *Redis) UpdateProgress(ctx context.Context, id string, soFar int64) error {
	n, err := r.rdb.Exists(ctx, r.taskKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update progress %s: %w", id, ErrNotFound)
	}
	return r.rdb.HSet(ctx, r.taskKey(id), "so_far", soFar).Err()
}

func (r *Redis) Remove(ctx context.Context, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.taskKey(id))
		pipe.SRem(ctx, redisTaskIndex, id)
		return nil
	})
	return err
}

func (r *Redis) FindConnections(ctx context.Context, id string) ([]types.Connection, error) {
	members, err := r.rdb.SMembers(ctx, r.connIndexKey(id)).Result()
	if err != nil {
		return nil, err
	}
	conns := make([]types.Connection, 0, len(members))
	for _, m := range members {
		index, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("bad connection index %q: %w", m, err)
		}
		data, err := r.rdb.HGetAll(ctx, r.connKey(id, index)).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		c := types.Connection{TaskID: id, Index: index}
		if c.StartOffset, err = strconv.ParseInt(data["start"], 10, 64); err != nil {
			return nil, fmt.Errorf("bad start offset: %w", err)
		}
		if c.CurrentOffset, err = strconv.ParseInt(data["current"], 10, 64); err != nil {
			return nil, fmt.Errorf("bad current offset: %w", err)
		}
		if c.EndOffset, err = strconv.ParseInt(data["end"], 10, 64); err != nil {
			return nil, fmt.Errorf("bad end offset: %w", err)
		}
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Index < conns[j].Index })
	return conns, nil
}

func (r *Redis) InsertConnection(ctx context.Context, c types.Connection) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.connKey(c.TaskID, c.Index), map[string]any{
			"start":   c.StartOffset,
			"current": c.CurrentOffset,
			"end":     c.EndOffset,
		})
		pipe.SAdd(ctx, r.connIndexKey(c.TaskID), strconv.Itoa(c.Index))
		return nil
	})
	return err
}

func (r *Redis) UpdateConnection(ctx context.Context, id string, index int, currentOffset int64) error {
	n, err := r.rdb.Exists(ctx, r.connKey(id, index)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update connection %s/%d: %w", id, index, ErrNotFound)
	}
	return r.rdb.HSet(ctx, r.connKey(id, index), "current", currentOffset).Err()
}

func (r *Redis) RemoveConnections(ctx context.Context, id string) error {
	members, err := r.rdb.SMembers(ctx, r.connIndexKey(id)).Result()
	if err != nil {
		return err
	}
	keys := []string{r.connIndexKey(id)}
	for _, m := range members {
		if index, err := strconv.Atoi(m); err == nil {
			keys = append(keys, r.connKey(id, index))
		}
	}
	return r.rdb.Del(ctx, keys...).Err()
}
