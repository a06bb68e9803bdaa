package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis sorted sets.
//
// Keys:
//
//	<prefix>queues        set of known queue names
//	<prefix>queue:<name>  sorted set of encoded tasks scored by not-before (unix ms)
//
// A consumer claims a task by removing its member with ZREM; only the
// consumer whose ZREM succeeds receives the task.
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
	batch        int64
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "sagaflow:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "sagaflow:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 100 * time.Millisecond,
		batch:        64,
	}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) queuesKey() string           { return q.prefix + "queues" }
func (q *RedisQueue) queueKey(name string) string { return q.prefix + "queue:" + name }

func (q *RedisQueue) Enqueue(ctx context.Context, actionInstanceID string, opts EnqueueOptions) error {
	t := NewTask(actionInstanceID, opts, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, q.queuesKey(), t.Queue)
		p.ZAdd(ctx, q.queueKey(t.Queue), redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: data})
		return nil
	})
	return err
}

type redisCandidate struct {
	key    string
	member string
	task   *Task
}

func (q *RedisQueue) queueNames(ctx context.Context, queues []string) ([]string, error) {
	if len(queues) > 0 {
		return queues, nil
	}
	return q.client.SMembers(ctx, q.queuesKey()).Result()
}

// candidates returns the ready tasks across queues, best first.
func (q *RedisQueue) candidates(ctx context.Context, queues []string) ([]redisCandidate, error) {
	names, err := q.queueNames(ctx, queues)
	if err != nil {
		return nil, err
	}
	upTo := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var out []redisCandidate
	for _, name := range names {
		key := q.queueKey(name)
		members, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: upTo, Count: q.batch,
		}).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			t, err := DecodeTask([]byte(m))
			if err != nil {
				// Drop payloads we cannot read so they do not block the queue.
				slog.Default().Warn("taskqueue: dropping undecodable redis task", slog.String("key", key), slog.Any("error", err))
				q.client.ZRem(ctx, key, m)
				continue
			}
			out = append(out, redisCandidate{key: key, member: m, task: t})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].task.before(out[j].task) })
	return out, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queues ...string) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cands, err := q.candidates(ctx, queues)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			n, err := q.client.ZRem(ctx, c.key, c.member).Result()
			if err != nil {
				return nil, err
			}
			if n == 1 {
				return c.task, nil
			}
			// Claimed by another consumer; try the next one.
		}
		if err := sleep(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns the approximate number of tasks queued across all queues.
func (q *RedisQueue) Len() int {
	ctx := context.Background()
	names, err := q.client.SMembers(ctx, q.queuesKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Default().Warn("taskqueue: RedisQueue Len failed", slog.Any("error", err))
		return 0
	}
	total := 0
	for _, name := range names {
		n, err := q.client.ZCard(ctx, q.queueKey(name)).Result()
		if err != nil {
			slog.Default().Warn("taskqueue: RedisQueue Len failed", slog.Any("error", err))
			return 0
		}
		total += int(n)
	}
	return total
}
