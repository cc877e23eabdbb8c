package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/meow-io/go-courier/wire"
	"github.com/redis/go-redis/v9"
)

// Queue holds envelopes per device address until they are acked.
type Queue interface {
	Push(ctx context.Context, to string, env *wire.Envelope) error
	Pending(ctx context.Context, to string) ([]*wire.Envelope, error)
	Remove(ctx context.Context, to, guid string) error
}

type MemoryQueue struct {
	lock    sync.Mutex
	pending map[string][]*wire.Envelope
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{pending: make(map[string][]*wire.Envelope)}
}

func (q *MemoryQueue) Push(ctx context.Context, to string, env *wire.Envelope) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.pending[to] = append(q.pending[to], env)
	return nil
}

func (q *MemoryQueue) Pending(ctx context.Context, to string) ([]*wire.Envelope, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	out := make([]*wire.Envelope, len(q.pending[to]))
	copy(out, q.pending[to])
	return out, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, to, guid string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	envs := q.pending[to]
	for i, env := range envs {
		if env.ServerGUID == guid {
			q.pending[to] = append(envs[:i:i], envs[i+1:]...)
			break
		}
	}
	if len(q.pending[to]) == 0 {
		delete(q.pending, to)
	}
	return nil
}

// RedisQueue keeps the delivery order in a list of guids and the encoded envelopes in a hash.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{rdb: rdb, prefix: prefix}
}

func (q *RedisQueue) orderKey(to string) string {
	return fmt.Sprintf("%s:order:%s", q.prefix, to)
}

func (q *RedisQueue) envelopesKey(to string) string {
	return fmt.Sprintf("%s:envelopes:%s", q.prefix, to)
}

func (q *RedisQueue) Push(ctx context.Context, to string, env *wire.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.envelopesKey(to), env.ServerGUID, b)
		p.RPush(ctx, q.orderKey(to), env.ServerGUID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay: error queueing envelope: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context, to string) ([]*wire.Envelope, error) {
	guids, err := q.rdb.LRange(ctx, q.orderKey(to), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: error listing queue: %w", err)
	}
	if len(guids) == 0 {
		return nil, nil
	}
	values, err := q.rdb.HMGet(ctx, q.envelopesKey(to), guids...).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: error loading envelopes: %w", err)
	}
	out := make([]*wire.Envelope, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		env, err := wire.UnmarshalEnvelope([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("relay: error decoding envelope: %w", err)
		}
		out = append(out, env)
	}
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, to, guid string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.orderKey(to), 0, guid)
		p.HDel(ctx, q.envelopesKey(to), guid)
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay: error removing envelope: %w", err)
	}
	return nil
}
