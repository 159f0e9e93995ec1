package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 进程内 outbox 存储（单实例部署与测试使用，进程退出即丢失）
type MemoryStore struct {
	mu           sync.Mutex
	queue        []Job
	inflight     map[string]Job
	dead         []DeadJob
	notify       chan struct{}
	pollInterval time.Duration
}

// DeadJob 死信任务
type DeadJob struct {
	Job   Job
	Cause string
}

// NewMemoryStore 创建进程内存储
func NewMemoryStore(pollInterval time.Duration) *MemoryStore {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &MemoryStore{
		inflight:     make(map[string]Job),
		notify:       make(chan struct{}, 1),
		pollInterval: pollInterval,
	}
}

// Append 追加任务
func (s *MemoryStore) Append(_ context.Context, job Job) error {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Fetch 取出最多 max 个任务
func (s *MemoryStore) Fetch(ctx context.Context, max int64) ([]Job, error) {
	if jobs := s.take(max); len(jobs) > 0 {
		return jobs, nil
	}

	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.notify:
	case <-timer.C:
	}
	return s.take(max), nil
}

func (s *MemoryStore) take(max int64) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.queue))
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	jobs := make([]Job, n)
	copy(jobs, s.queue[:n])
	s.queue = s.queue[n:]
	for _, j := range jobs {
		s.inflight[j.ID] = j
	}
	return jobs
}

// Ack 确认任务
func (s *MemoryStore) Ack(_ context.Context, job Job) error {
	s.mu.Lock()
	delete(s.inflight, job.ID)
	s.mu.Unlock()
	return nil
}

// DeadLetter 记录死信
func (s *MemoryStore) DeadLetter(_ context.Context, job Job, cause error) error {
	s.mu.Lock()
	s.dead = append(s.dead, DeadJob{Job: job, Cause: cause.Error()})
	s.mu.Unlock()
	return nil
}

// Pending 尚未取出的任务快照
func (s *MemoryStore) Pending() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.queue))
	copy(out, s.queue)
	return out
}

// InFlight 已取出但未确认的任务数
func (s *MemoryStore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Dead 死信快照
func (s *MemoryStore) Dead() []DeadJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadJob, len(s.dead))
	copy(out, s.dead)
	return out
}
