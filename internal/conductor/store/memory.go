package store

import (
	"context"
	"sort"
	"sync"

	"symphony/pkg/model"
)

// MemStore is an in-process Store, used by tests and as the default
// backend when no etcd endpoint is configured.
type MemStore struct {
	mu        sync.RWMutex
	byID      map[string]*model.Deployment
	nameToID  map[string]string
	watchers  map[chan Event]struct{}
	watcherMu sync.Mutex
	nowMs     func() int64
}

// NewMemStore constructs an empty MemStore. nowMs supplies the current
// time in milliseconds; tests can inject a fake clock.
func NewMemStore(nowMs func() int64) *MemStore {
	return &MemStore{
		byID:     make(map[string]*model.Deployment),
		nameToID: make(map[string]string),
		watchers: make(map[chan Event]struct{}),
		nowMs:    nowMs,
	}
}

func (s *MemStore) Create(_ context.Context, d *model.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.nameToID[d.Name]; ok {
		if existing := s.byID[id]; existing != nil {
			return ErrNameConflict
		}
	}

	now := s.nowMs()
	d.CreatedAtMs = now
	d.UpdatedAtMs = now
	d.SpecRevision = 1
	if d.CurrentState == "" {
		d.CurrentState = model.CurrentPending
	}

	copyD := cloneDeployment(d)
	s.byID[d.ID] = copyD
	s.nameToID[d.Name] = d.ID
	s.broadcast(Event{Type: EventCreate, Deployment: cloneDeployment(copyD)})
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*model.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (s *MemStore) List(_ context.Context, limit, offset int) ([]*model.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*model.Deployment, 0, len(s.byID))
	for _, d := range s.byID {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAtMs != all[j].CreatedAtMs {
			return all[i].CreatedAtMs < all[j].CreatedAtMs
		}
		return all[i].ID < all[j].ID
	})

	if offset >= len(all) {
		return []*model.Deployment{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*model.Deployment, 0, end-offset)
	for _, d := range all[offset:end] {
		out = append(out, cloneDeployment(d))
	}
	return out, nil
}

func (s *MemStore) Update(_ context.Context, id string, patch model.Patch) (*model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok || d.Deleted {
		return nil, ErrNotFound
	}

	contentChanged := false
	if patch.Name != nil && *patch.Name != d.Name {
		if existingID, taken := s.nameToID[*patch.Name]; taken {
			if existing := s.byID[existingID]; existing != nil && !existing.Deleted && existingID != id {
				return nil, ErrNameConflict
			}
		}
		delete(s.nameToID, d.Name)
		d.Name = *patch.Name
		s.nameToID[d.Name] = id
	}
	if patch.DesiredState != nil && *patch.DesiredState != d.DesiredState {
		d.DesiredState = *patch.DesiredState
		contentChanged = true
	}
	if patch.Specification != nil {
		d.Specification = *patch.Specification
		contentChanged = true
	}

	if contentChanged {
		d.SpecRevision++
	}
	d.UpdatedAtMs = s.nowMs()

	out := cloneDeployment(d)
	s.broadcast(Event{Type: EventUpdate, Deployment: cloneDeployment(out)})
	return out, nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id string, current model.CurrentState, exitCode *int, assignedNodeID, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if current != "" {
		d.CurrentState = current
	}
	if exitCode != nil {
		d.ExitCode = exitCode
	}
	if assignedNodeID != nil {
		d.AssignedNodeID = *assignedNodeID
	}
	if reason != nil {
		d.AssignmentReason = *reason
	}
	d.UpdatedAtMs = s.nowMs()
	s.broadcast(Event{Type: EventUpdate, Deployment: cloneDeployment(d)})
	return nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	d.Deleted = true
	d.UpdatedAtMs = s.nowMs()
	s.broadcast(Event{Type: EventDelete, Deployment: cloneDeployment(d)})
	return nil
}

func (s *MemStore) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.nameToID, d.Name)
	delete(s.byID, id)
	return nil
}

func (s *MemStore) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	s.watcherMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watcherMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watcherMu.Lock()
		delete(s.watchers, ch)
		s.watcherMu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *MemStore) broadcast(ev Event) {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func cloneDeployment(d *model.Deployment) *model.Deployment {
	out := *d
	out.CapacityRequests = d.CapacityRequests.Clone()
	if d.Specification.Env != nil {
		env := make(map[string]string, len(d.Specification.Env))
		for k, v := range d.Specification.Env {
			env[k] = v
		}
		out.Specification.Env = env
	}
	if d.Specification.Command != nil {
		out.Specification.Command = append([]string(nil), d.Specification.Command...)
	}
	if d.Specification.Args != nil {
		out.Specification.Args = append([]string(nil), d.Specification.Args...)
	}
	if d.ExitCode != nil {
		ec := *d.ExitCode
		out.ExitCode = &ec
	}
	return &out
}
