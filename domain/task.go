package domain

// Task represents a single entry of the shared list.
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	IsCompleted bool   `json:"isCompleted"`
	CreatedBy   string `json:"createdBy"`
}
