package frame

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process, non-durable Store, used by tests and
// selected with the "memory" backend (the default backend is sqlite).
type MemoryStore struct {
	mu      sync.RWMutex
	frames  map[ID]*Frame
	byName  map[string]ID
	configs map[ID]*Config
	events  map[ID][]*Event
	nextEv  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		frames:  make(map[ID]*Frame),
		byName:  make(map[string]ID),
		configs: make(map[ID]*Config),
		events:  make(map[ID][]*Event),
	}
}

func (s *MemoryStore) CreateFrame(ctx context.Context, in CreateInput) (*Frame, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[in.Name]; exists {
		return nil, ErrNameTaken
	}

	now := time.Now()
	f := &Frame{
		ID:            ID(uuid.NewString()),
		Name:          in.Name,
		Description:   in.Description,
		WorkspacePath: in.WorkspacePath,
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.frames[f.ID] = f
	s.byName[f.Name] = f.ID
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) GetFrame(ctx context.Context, id ID) (*Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.frames[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) GetFrameByName(ctx context.Context, name string) (*Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.frames[id]
	return &cp, nil
}

func (s *MemoryStore) ListFrames(ctx context.Context, status *Status) ([]*Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Frame, 0, len(s.frames))
	for _, f := range s.frames {
		if status != nil && f.Status != *status {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateFrame(ctx context.Context, id ID, upd Update) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Status != nil && !ValidStatuses[*upd.Status] {
		return nil, ErrInvalidStatus
	}
	if upd.BasePort != nil && *upd.BasePort != 0 {
		for otherID, other := range s.frames {
			if otherID == id || other.Status == StatusStopped || other.BasePort == 0 {
				continue
			}
			if other.BasePort == *upd.BasePort {
				return nil, ErrPortTaken
			}
		}
	}
	if upd.Status != nil {
		f.Status = *upd.Status
	}
	if upd.ContainerID != nil {
		f.ContainerID = *upd.ContainerID
	}
	if upd.ErrorDetail != nil {
		f.ErrorDetail = *upd.ErrorDetail
	}
	if upd.TemplateName != nil {
		f.TemplateName = *upd.TemplateName
	}
	if upd.LastActiveAt != nil {
		f.LastActiveAt = *upd.LastActiveAt
	}
	if upd.BasePort != nil {
		f.BasePort = *upd.BasePort
	}
	if upd.ExtraPorts != nil {
		f.ExtraPorts = upd.ExtraPorts
	}
	f.UpdatedAt = time.Now()
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) DeleteFrame(ctx context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.frames, id)
	delete(s.byName, f.Name)
	delete(s.configs, id)
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) GetFrameConfig(ctx context.Context, id ID) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.frames[id]; !ok {
		return nil, ErrNotFound
	}
	cfg, ok := s.configs[id]
	if !ok {
		return &Config{FrameID: id}, nil
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) UpdateFrameConfig(ctx context.Context, id ID, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[id]; !ok {
		return ErrNotFound
	}
	cfg.FrameID = id
	s.configs[id] = &cfg
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[ev.FrameID]; !ok {
		return ErrNotFound
	}
	s.nextEv++
	ev.ID = s.nextEv
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	cp := ev
	s.events[ev.FrameID] = append(s.events[ev.FrameID], &cp)
	return nil
}

func (s *MemoryStore) GetFrameEvents(ctx context.Context, id ID, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[id]
	out := make([]*Event, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAllocatedPorts(ctx context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ports := make([]int, 0, len(s.frames))
	for _, f := range s.frames {
		if f.Status == StatusStopped || f.BasePort == 0 {
			continue
		}
		ports = append(ports, f.BasePort)
	}
	return ports, nil
}

func (s *MemoryStore) Close() error { return nil }
