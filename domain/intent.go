package domain

// IntentKind names a client->coordinator event.
type IntentKind string

const (
	AddTask    IntentKind = "addTask"
	ToggleTask IntentKind = "toggleTask"
	DeleteTask IntentKind = "deleteTask"
)

// Intent is a client request to mutate the task list that has not been applied yet.
type Intent struct {
	Kind IntentKind
	// Title and User are set for AddTask.
	Title string
	User  string
	// ID is set for ToggleTask and DeleteTask.
	ID int64
	// Key optionally carries an idempotency key chosen by the client.
	Key string
}

func NewAddTask(title, user string) Intent {
	return Intent{Kind: AddTask, Title: title, User: user}
}

func NewToggleTask(id int64) Intent {
	return Intent{Kind: ToggleTask, ID: id}
}

func NewDeleteTask(id int64) Intent {
	return Intent{Kind: DeleteTask, ID: id}
}

// DedupeKey scopes the client's idempotency key by intent kind and by the
// user the intent acts for, which is the creator for AddTask and nobody for
// ToggleTask and DeleteTask. It is empty when the intent carries no key.
func (in Intent) DedupeKey() string {
	if in.Key == "" {
		return ""
	}
	return in.User + ":" + string(in.Kind) + ":" + in.Key
}
