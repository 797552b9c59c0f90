package lock

import (
	"context"
	"slices"
	"sync"
	"time"
)

const MaxWaiters = 100

// Memory 是进程内的具名锁，适用于单实例部署和测试
//
// 锁被持有时 name 在 holders 中，等待者按到达顺序排队，释放时直接把锁交给队首
type Memory struct {
	mu      sync.Mutex
	holders map[string]*queue
	ttl     time.Duration
}

type queue struct {
	waiters []chan struct{}
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{holders: make(map[string]*queue), ttl: ttl}
}

func (m *Memory) TTL() time.Duration { return m.ttl }

func (m *Memory) Acquire(ctx context.Context, name string) (Handle, error) {
	return m.wait(ctx, name, nil)
}

func (m *Memory) TryAcquire(ctx context.Context, name string, timeout time.Duration) (Handle, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	return m.wait(ctx, name, t.C)
}

// wait 排队直到锁被交到手上、ctx 结束或 expired 触发 (nil 表示不限时)
func (m *Memory) wait(ctx context.Context, name string, expired <-chan time.Time) (Handle, error) {
	m.mu.Lock()
	q, busy := m.holders[name]
	if !busy {
		m.holders[name] = &queue{}
		m.mu.Unlock()
		return m.handle(name), nil
	}
	if len(q.waiters) >= MaxWaiters {
		m.mu.Unlock()
		return nil, ErrTooManyWaiters
	}
	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	m.mu.Unlock()

	var err error
	select {
	case <-ready:
		return m.handle(name), nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-expired:
		err = ErrNotAcquired
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.Index(q.waiters, ready); i >= 0 {
		q.waiters = slices.Delete(q.waiters, i, i+1)
		return nil, err
	}
	// 放弃的同时锁已经交过来了，照单全收
	return m.handle(name), nil
}

func (m *Memory) handle(name string) Handle {
	return &memoryHandle{m: m, name: name}
}

func (m *Memory) unlock(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.holders[name]
	if !ok {
		panic("lock: unlock of unlocked " + name)
	}
	if len(q.waiters) == 0 {
		delete(m.holders, name)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

type memoryHandle struct {
	m    *Memory
	name string
	once sync.Once
}

func (h *memoryHandle) Name() string { return h.name }

// Renew 对进程内锁没有意义，锁不会过期
func (h *memoryHandle) Renew(ctx context.Context) error { return nil }

func (h *memoryHandle) Release(ctx context.Context) error {
	h.once.Do(func() { h.m.unlock(h.name) })
	return nil
}
