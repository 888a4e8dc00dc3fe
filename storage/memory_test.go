package storage

import (
	"errors"
	"reflect"
	"testing"

	"tasksync/domain"
)

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	s := NewTaskStore()
	a, err := s.Create("Buy milk", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := s.Create("Walk dog", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := domain.Task{ID: 1, Title: "Buy milk", CreatedBy: "alice"}
	if a != want {
		t.Fatalf("got %+v, want %+v", a, want)
	}
	if b.ID != 2 {
		t.Fatalf("expected id 2, got %d", b.ID)
	}
}

func TestCreateRejectsBlankTitle(t *testing.T) {
	s := NewTaskStore()
	for _, title := range []string{"", "   ", "\t\n"} {
		if _, err := s.Create(title, "alice"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("title %q: expected ErrInvalidInput, got %v", title, err)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
	if task, _ := s.Create("ok", "alice"); task.ID != 1 {
		t.Fatalf("rejected creates must not consume ids, got %d", task.ID)
	}
}

func TestIDsAreNotReusedAfterRemove(t *testing.T) {
	s := NewTaskStore()
	a, _ := s.Create("a", "u")
	if err := s.Remove(a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	b, _ := s.Create("b", "u")
	if b.ID == a.ID {
		t.Fatalf("id %d reused", a.ID)
	}
}

func TestSetCompletedKeepsCreator(t *testing.T) {
	s := NewTaskStore()
	a, _ := s.Create("a", "alice")
	got, err := s.SetCompleted(a.ID, true)
	if err != nil {
		t.Fatalf("set completed: %v", err)
	}
	if !got.IsCompleted || got.CreatedBy != "alice" {
		t.Fatalf("unexpected task %+v", got)
	}
	if _, err := s.SetCompleted(99, true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveMissing(t *testing.T) {
	s := NewTaskStore()
	if err := s.Remove(1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotCreationOrderAndCopies(t *testing.T) {
	s := NewTaskStore()
	s.Create("a", "u")
	s.Create("b", "u")
	s.Create("c", "u")
	if err := s.Remove(2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	snap := s.Snapshot()
	var titles []string
	for _, task := range snap {
		titles = append(titles, task.Title)
	}
	if !reflect.DeepEqual(titles, []string{"a", "c"}) {
		t.Fatalf("unexpected order %v", titles)
	}
	snap[0].Title = "mutated"
	if got, _ := s.Get(1); got.Title != "a" {
		t.Fatalf("snapshot aliases store: %+v", got)
	}
}

func TestRestoreContinuesIDs(t *testing.T) {
	s := NewTaskStore()
	s.Restore([]domain.Task{
		{ID: 7, Title: "later", CreatedBy: "u"},
		{ID: 3, Title: "earlier", CreatedBy: "u", IsCompleted: true},
	}, 0)
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != 3 || snap[1].ID != 7 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	next, _ := s.Create("new", "u")
	if next.ID != 8 {
		t.Fatalf("expected id 8, got %d", next.ID)
	}
}

func TestRestoreHonoursHighWaterMark(t *testing.T) {
	s := NewTaskStore()
	s.Restore([]domain.Task{{ID: 1, Title: "kept", CreatedBy: "u"}}, 5)
	if s.NextID() != 5 {
		t.Fatalf("expected next id 5, got %d", s.NextID())
	}
	next, _ := s.Create("new", "u")
	if next.ID != 5 {
		t.Fatalf("expected id 5, got %d", next.ID)
	}

	s = NewTaskStore()
	s.Restore([]domain.Task{{ID: 9, Title: "kept", CreatedBy: "u"}}, 4)
	if next, _ := s.Create("new", "u"); next.ID != 10 {
		t.Fatalf("stale high-water mark lowered ids: got %d", next.ID)
	}
}
