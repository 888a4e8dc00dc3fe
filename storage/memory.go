package storage

import (
	"fmt"
	"sort"
	"strings"

	"tasksync/domain"
)

// TaskStore is the authoritative id -> task mapping. It is not safe for
// concurrent use; the coordinator goroutine is its only owner.
type TaskStore struct {
	tasks  map[int64]*domain.Task
	order  []int64
	nextID int64
}

// NewTaskStore returns an empty store whose first id is 1.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[int64]*domain.Task), nextID: 1}
}

// Restore loads previously persisted tasks. nextID is the persisted id
// high-water mark; the store continues from it or from past the largest
// restored id, whichever is higher, so ids of deleted tasks stay retired.
func (s *TaskStore) Restore(tasks []domain.Task, nextID int64) {
	if nextID > s.nextID {
		s.nextID = nextID
	}
	sorted := append([]domain.Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, t := range sorted {
		if _, ok := s.tasks[t.ID]; ok {
			continue
		}
		cpy := t
		s.tasks[t.ID] = &cpy
		s.order = append(s.order, t.ID)
		if t.ID >= s.nextID {
			s.nextID = t.ID + 1
		}
	}
}

// Create inserts a new uncompleted task.
func (s *TaskStore) Create(title, createdBy string) (domain.Task, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Task{}, fmt.Errorf("create task: blank title: %w", domain.ErrInvalidInput)
	}
	t := &domain.Task{ID: s.nextID, Title: title, CreatedBy: createdBy}
	s.nextID++
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return *t, nil
}

func (s *TaskStore) Get(id int64) (domain.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return *t, nil
}

// SetCompleted sets the completion flag and returns the updated task.
func (s *TaskStore) SetCompleted(id int64, value bool) (domain.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	t.IsCompleted = value
	return *t, nil
}

// Remove hard-deletes a task.
func (s *TaskStore) Remove(id int64) error {
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	delete(s.tasks, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Snapshot returns copies of all tasks in creation order.
func (s *TaskStore) Snapshot() []domain.Task {
	out := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

func (s *TaskStore) Len() int {
	return len(s.tasks)
}

// NextID is the id the next Create will assign.
func (s *TaskStore) NextID() int64 {
	return s.nextID
}
