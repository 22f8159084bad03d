package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"symphony/pkg/model"
)

// Key layout mirrors pkg/store/etcd.go's flat-prefix schema
// (JobKeyPrefix/NodeKeyPrefix), extended with a secondary name index to
// enforce unique names across the cluster.
const (
	deploymentKeyPrefix = "/symphony/deployments/"
	nameIndexPrefix      = "/symphony/deployment-names/"
)

// EtcdStore is the default Store backend, generalizing pkg/store/etcd.go's
// EtcdManager from a single flat job map into the full CRUD + tombstone +
// name-uniqueness contract Store defines.
type EtcdStore struct {
	client *clientv3.Client
	nowMs  func() int64
}

// NewEtcdStore dials etcd at the given endpoints.
func NewEtcdStore(endpoints []string, nowMs func() int64) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("store: dial etcd: %w", err)
	}
	return &EtcdStore{client: cli, nowMs: nowMs}, nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func deploymentKey(id string) string { return deploymentKeyPrefix + id }
func nameKey(name string) string     { return nameIndexPrefix + name }

func (s *EtcdStore) Create(ctx context.Context, d *model.Deployment) error {
	now := s.nowMs()
	d.CreatedAtMs = now
	d.UpdatedAtMs = now
	d.SpecRevision = 1
	if d.CurrentState == "" {
		d.CurrentState = model.CurrentPending
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal deployment: %w", err)
	}

	// Reserve the name atomically: the transaction only commits if the
	// name key is still absent, closing the race two concurrent
	// POST /deployments with the same name would otherwise hit.
	txn := s.client.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(nameKey(d.Name)), "=", 0),
	).Then(
		clientv3.OpPut(nameKey(d.Name), d.ID),
		clientv3.OpPut(deploymentKey(d.ID), string(raw)),
	)
	resp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("store: create txn: %w", err)
	}
	if !resp.Succeeded {
		return ErrNameConflict
	}
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, id string) (*model.Deployment, error) {
	resp, err := s.client.Get(ctx, deploymentKey(id))
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	var d model.Deployment
	if err := json.Unmarshal(resp.Kvs[0].Value, &d); err != nil {
		return nil, fmt.Errorf("store: unmarshal: %w", err)
	}
	return &d, nil
}

func (s *EtcdStore) List(ctx context.Context, limit, offset int) ([]*model.Deployment, error) {
	resp, err := s.client.Get(ctx, deploymentKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	all := make([]*model.Deployment, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var d model.Deployment
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			continue
		}
		all = append(all, &d)
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
	return all[offset:end], nil
}

func (s *EtcdStore) Update(ctx context.Context, id string, patch model.Patch) (*model.Deployment, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Deleted {
		return nil, ErrNotFound
	}

	contentChanged := false
	oldName := d.Name
	renaming := false
	if patch.Name != nil && *patch.Name != d.Name {
		existing, err := s.lookupByName(ctx, *patch.Name)
		if err == nil && existing != nil && existing.ID != id && !existing.Deleted {
			return nil, ErrNameConflict
		}
		d.Name = *patch.Name
		renaming = true
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

	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("store: marshal: %w", err)
	}

	ops := []clientv3.Op{clientv3.OpPut(deploymentKey(id), string(raw))}
	if renaming {
		ops = append(ops, clientv3.OpDelete(nameKey(oldName)), clientv3.OpPut(nameKey(d.Name), id))
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return nil, fmt.Errorf("store: update txn: %w", err)
	}
	return d, nil
}

func (s *EtcdStore) UpdateStatus(ctx context.Context, id string, current model.CurrentState, exitCode *int, assignedNodeID, reason *string) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
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
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	if _, err := s.client.Put(ctx, deploymentKey(id), string(raw)); err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, id string) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	d.Deleted = true
	d.UpdatedAtMs = s.nowMs()
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	_, err = s.client.Put(ctx, deploymentKey(id), string(raw))
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

func (s *EtcdStore) Purge(ctx context.Context, id string) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	_, err = s.client.Txn(ctx).Then(
		clientv3.OpDelete(deploymentKey(id)),
		clientv3.OpDelete(nameKey(d.Name)),
	).Commit()
	if err != nil {
		return fmt.Errorf("store: purge txn: %w", err)
	}
	return nil
}

// Watch translates etcd's prefix watch into Store Events, the same
// translation WatchJobs performs for its job prefix.
func (s *EtcdStore) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		watchCh := s.client.Watch(ctx, deploymentKeyPrefix, clientv3.WithPrefix())
		for resp := range watchCh {
			for _, ev := range resp.Events {
				var d model.Deployment
				switch ev.Type {
				case clientv3.EventTypePut:
					if err := json.Unmarshal(ev.Kv.Value, &d); err != nil {
						continue
					}
					evType := EventUpdate
					if ev.IsCreate() {
						evType = EventCreate
					}
					out <- Event{Type: evType, Deployment: &d}
				case clientv3.EventTypeDelete:
					// Keys are only removed by Purge; surface as Delete
					// using whatever id we can recover from the key.
				}
			}
		}
	}()
	return out
}

func (s *EtcdStore) lookupByName(ctx context.Context, name string) (*model.Deployment, error) {
	resp, err := s.client.Get(ctx, nameKey(name))
	if err != nil {
		return nil, fmt.Errorf("store: name lookup: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, string(resp.Kvs[0].Value))
}
