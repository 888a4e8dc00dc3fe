// Package client keeps a local projection of the shared task list in step
// with the facts a coordinator broadcasts.
package client

import "tasksync/domain"

// Reduce returns the projection that results from applying f to p. p is not
// modified. Created and deleted facts are idempotent; an update for an
// unknown id is a no-op.
func Reduce(p []domain.Task, f domain.Fact) []domain.Task {
	switch f.Kind {
	case domain.TaskListSnapshot:
		return append([]domain.Task{}, f.Tasks...)
	case domain.TaskCreated:
		if indexOf(p, f.Task.ID) >= 0 {
			return p
		}
		next := make([]domain.Task, len(p), len(p)+1)
		copy(next, p)
		return append(next, f.Task)
	case domain.TaskUpdated:
		i := indexOf(p, f.Task.ID)
		if i < 0 {
			return p
		}
		next := append([]domain.Task(nil), p...)
		next[i] = f.Task
		return next
	case domain.TaskDeleted:
		i := indexOf(p, f.ID)
		if i < 0 {
			return p
		}
		next := make([]domain.Task, 0, len(p)-1)
		next = append(next, p[:i]...)
		return append(next, p[i+1:]...)
	default:
		return p
	}
}

func indexOf(p []domain.Task, id int64) int {
	for i := range p {
		if p[i].ID == id {
			return i
		}
	}
	return -1
}
