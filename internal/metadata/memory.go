package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
)

// Memory is a Store held in process memory.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]process.VideoJob
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]process.VideoJob)}
}

func (m *Memory) Create(ctx context.Context, job *process.VideoJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*process.VideoJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &job, nil
}

func (m *Memory) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return profile.Profile{}, err
	}
	return job.Profile, nil
}

func (m *Memory) SetStatus(ctx context.Context, id string, upd StatusUpdate) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t, err := apply(&job, upd, time.Now().UTC())
	if err != nil {
		return t, fmt.Errorf("video %s: %w", id, err)
	}
	m.jobs[id] = job
	return t, nil
}
