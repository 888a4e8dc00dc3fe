package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Envelope is the wire frame shared by both directions of the protocol.
type Envelope struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
	Seq   uint64                 `json:"seq,omitempty"`
	Key   string                 `json:"key,omitempty"`
}

type addTaskData struct {
	Title string `json:"title"`
	User  string `json:"user"`
}

// EncodeFact renders a fact as a wire envelope.
func EncodeFact(f Fact) ([]byte, error) {
	var payload any
	switch f.Kind {
	case TaskListSnapshot:
		tasks := f.Tasks
		if tasks == nil {
			tasks = []Task{}
		}
		payload = tasks
	case TaskCreated, TaskUpdated:
		payload = f.Task
	case TaskDeleted:
		payload = f.ID
	default:
		return nil, fmt.Errorf("encode fact %q: %w", f.Kind, ErrUnknownEvent)
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode fact %q: %w", f.Kind, err)
	}
	return sonic.Marshal(Envelope{Event: string(f.Kind), Data: data, Seq: f.Seq})
}

// DecodeFact parses a wire envelope produced by EncodeFact.
func DecodeFact(b []byte) (Fact, error) {
	var env Envelope
	if err := sonic.Unmarshal(b, &env); err != nil {
		return Fact{}, fmt.Errorf("decode fact: %w", err)
	}
	f := Fact{Kind: FactKind(env.Event), Seq: env.Seq}
	var err error
	switch f.Kind {
	case TaskListSnapshot:
		err = sonic.Unmarshal(env.Data, &f.Tasks)
		if f.Tasks == nil {
			f.Tasks = []Task{}
		}
	case TaskCreated, TaskUpdated:
		err = sonic.Unmarshal(env.Data, &f.Task)
	case TaskDeleted:
		err = sonic.Unmarshal(env.Data, &f.ID)
	default:
		return Fact{}, fmt.Errorf("decode fact %q: %w", env.Event, ErrUnknownEvent)
	}
	if err != nil {
		return Fact{}, fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return f, nil
}

// EncodeIntent renders an intent as a wire envelope.
func EncodeIntent(in Intent) ([]byte, error) {
	env, err := IntentEnvelope(in)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

// IntentEnvelope converts an intent into its wire envelope.
func IntentEnvelope(in Intent) (Envelope, error) {
	var payload any
	switch in.Kind {
	case AddTask:
		payload = addTaskData{Title: in.Title, User: in.User}
	case ToggleTask, DeleteTask:
		payload = in.ID
	default:
		return Envelope{}, fmt.Errorf("encode intent %q: %w", in.Kind, ErrUnknownEvent)
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode intent %q: %w", in.Kind, err)
	}
	return Envelope{Event: string(in.Kind), Data: data, Key: in.Key}, nil
}

// DecodeIntent parses a single client envelope.
func DecodeIntent(b []byte) (Intent, error) {
	var env Envelope
	if err := sonic.Unmarshal(b, &env); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	return env.Intent()
}

// Intent interprets the envelope as a client intent.
func (env Envelope) Intent() (Intent, error) {
	in := Intent{Kind: IntentKind(env.Event), Key: env.Key}
	var err error
	switch in.Kind {
	case AddTask:
		var data addTaskData
		err = sonic.Unmarshal(env.Data, &data)
		in.Title, in.User = data.Title, data.User
	case ToggleTask, DeleteTask:
		err = sonic.Unmarshal(env.Data, &in.ID)
	default:
		return Intent{}, fmt.Errorf("decode intent %q: %w", env.Event, ErrUnknownEvent)
	}
	if err != nil {
		return Intent{}, fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return in, nil
}
