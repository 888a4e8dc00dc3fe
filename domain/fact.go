package domain

// FactKind names a coordinator->client event.
type FactKind string

const (
	TaskListSnapshot FactKind = "initTasks"
	TaskCreated      FactKind = "taskAdded"
	TaskUpdated      FactKind = "taskUpdated"
	TaskDeleted      FactKind = "taskDeleted"
)

// Fact is a coordinator-confirmed change that has already happened to the task store.
//
// Seq is the position of the fact in the coordinator's total order. Broadcast
// facts are numbered consecutively starting at 1; a snapshot carries the seq of
// the last fact applied before it was taken. Zero means "unsequenced".
type Fact struct {
	Kind  FactKind
	Seq   uint64
	Tasks []Task // TaskListSnapshot
	Task  Task   // TaskCreated, TaskUpdated
	ID    int64  // TaskDeleted
}

func NewSnapshot(tasks []Task, seq uint64) Fact {
	if tasks == nil {
		tasks = []Task{}
	}
	return Fact{Kind: TaskListSnapshot, Tasks: tasks, Seq: seq}
}

func NewCreated(task Task) Fact {
	return Fact{Kind: TaskCreated, Task: task}
}

func NewUpdated(task Task) Fact {
	return Fact{Kind: TaskUpdated, Task: task}
}

func NewDeleted(id int64) Fact {
	return Fact{Kind: TaskDeleted, ID: id}
}

// FactSink receives facts from the coordinator.
type FactSink interface {
	// ID identifies the sink in logs and registries.
	ID() string
	// Deliver hands a fact to the sink without blocking. It reports false when
	// the sink can no longer accept facts, in which case the coordinator evicts it.
	Deliver(Fact) bool
	// Close releases the sink after eviction or coordinator shutdown.
	Close()
}
