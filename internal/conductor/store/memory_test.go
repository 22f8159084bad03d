package store

import (
	"context"
	"testing"

	"symphony/pkg/model"
)

func newTestStore() (*MemStore, func()) {
	var clock int64
	return NewMemStore(func() int64 { clock++; return clock }), func() {}
}

func TestCreate_RejectsDuplicateName(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if err := s.Create(ctx, &model.Deployment{ID: "1", Name: "web"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.Create(ctx, &model.Deployment{ID: "2", Name: "web"}); err != ErrNameConflict {
		t.Fatalf("expected ErrNameConflict, got %v", err)
	}
}

func TestCreate_RejectsNameReuseUntilPurge(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	s.Create(ctx, &model.Deployment{ID: "1", Name: "web"})
	s.Delete(ctx, "1")

	if err := s.Create(ctx, &model.Deployment{ID: "2", Name: "web"}); err != ErrNameConflict {
		t.Fatalf("expected ErrNameConflict while the tombstone is live, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Get(context.Background(), "ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_BumpsRevisionOnContentChange(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	s.Create(ctx, &model.Deployment{ID: "1", Name: "web"})

	newDesired := model.DesiredStopped
	updated, err := s.Update(ctx, "1", model.Patch{DesiredState: &newDesired})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.SpecRevision != 2 {
		t.Fatalf("expected revision bumped to 2, got %d", updated.SpecRevision)
	}
}

func TestUpdate_RenameOnlyDoesNotBumpRevision(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	s.Create(ctx, &model.Deployment{ID: "1", Name: "web"})

	newName := "web2"
	updated, err := s.Update(ctx, "1", model.Patch{Name: &newName})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.SpecRevision != 1 {
		t.Fatalf("expected rename alone to leave revision at 1, got %d", updated.SpecRevision)
	}
	if updated.Name != "web2" {
		t.Fatalf("expected name updated, got %q", updated.Name)
	}
}

func TestDelete_TombstonesNotPurges(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	s.Create(ctx, &model.Deployment{ID: "1", Name: "web"})
	s.Delete(ctx, "1")

	d, err := s.Get(ctx, "1")
	if err != nil {
		t.Fatalf("expected tombstoned record still gettable, got %v", err)
	}
	if !d.Deleted {
		t.Fatalf("expected Deleted to be true")
	}
}

func TestPurge_RemovesRecordAndFreesName(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	s.Create(ctx, &model.Deployment{ID: "1", Name: "web"})
	s.Delete(ctx, "1")
	s.Purge(ctx, "1")

	if _, err := s.Get(ctx, "1"); err != ErrNotFound {
		t.Fatalf("expected purged record to be gone, got %v", err)
	}
	if err := s.Create(ctx, &model.Deployment{ID: "2", Name: "web"}); err != nil {
		t.Fatalf("expected name free after purge, got %v", err)
	}
}

func TestList_StableOrderAndPagination(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Create(ctx, &model.Deployment{ID: string(rune('a' + i)), Name: string(rune('a' + i))})
	}

	page, err := s.List(ctx, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 results, got %d", len(page))
	}
	if page[0].ID != "b" || page[1].ID != "c" {
		t.Fatalf("expected page [b c], got [%s %s]", page[0].ID, page[1].ID)
	}
}

func TestUpdateStatus_OnlyTouchesProvidedFields(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	s.Create(ctx, &model.Deployment{ID: "1", Name: "web"})

	nodeID := "node-1"
	if err := s.UpdateStatus(ctx, "1", model.CurrentRunning, nil, &nodeID, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}
	d, _ := s.Get(ctx, "1")
	if d.CurrentState != model.CurrentRunning || d.AssignedNodeID != "node-1" {
		t.Fatalf("expected state/node updated, got %+v", d)
	}
	if d.SpecRevision != 1 {
		t.Fatalf("expected UpdateStatus not to touch spec_revision, got %d", d.SpecRevision)
	}
}

func TestWatch_ReceivesCreateEvent(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Watch(ctx)
	s.Create(context.Background(), &model.Deployment{ID: "1", Name: "web"})

	select {
	case ev := <-ch:
		if ev.Type != EventCreate || ev.Deployment.ID != "1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a create event to be available")
	}
}
