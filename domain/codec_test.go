package domain

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeIntentWireShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Intent
	}{
		{
			name: "add",
			raw:  `{"event":"addTask","data":{"title":"Buy milk","user":"alice"}}`,
			want: Intent{Kind: AddTask, Title: "Buy milk", User: "alice"},
		},
		{
			name: "add with key",
			raw:  `{"event":"addTask","data":{"title":"x","user":"bob"},"key":"k1"}`,
			want: Intent{Kind: AddTask, Title: "x", User: "bob", Key: "k1"},
		},
		{
			name: "toggle",
			raw:  `{"event":"toggleTask","data":1}`,
			want: Intent{Kind: ToggleTask, ID: 1},
		},
		{
			name: "delete",
			raw:  `{"event":"deleteTask","data":42}`,
			want: Intent{Kind: DeleteTask, ID: 42},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeIntent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeIntentRejectsUnknownEvent(t *testing.T) {
	_, err := DecodeIntent([]byte(`{"event":"renameTask","data":1}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeIntentRejectsBadPayload(t *testing.T) {
	if _, err := DecodeIntent([]byte(`{"event":"toggleTask","data":"abc"}`)); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
	if _, err := DecodeIntent([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestFactEnvelopeCarriesSeq(t *testing.T) {
	f := NewUpdated(Task{ID: 1, Title: "Buy milk", IsCompleted: true, CreatedBy: "alice"})
	f.Seq = 7
	raw, err := EncodeFact(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFact(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Fatalf("got %+v, want %+v", got, f)
	}
}

func TestSnapshotEncodesEmptyList(t *testing.T) {
	raw, err := EncodeFact(Fact{Kind: TaskListSnapshot})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"event":"initTasks","data":[]}` {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func TestDeletedFactPayloadIsBareID(t *testing.T) {
	raw, err := EncodeFact(Fact{Kind: TaskDeleted, ID: 1, Seq: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"event":"taskDeleted","data":1,"seq":3}` {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func TestEncodeIntentRoundTrip(t *testing.T) {
	in := Intent{Kind: AddTask, Title: "Water plants", User: "carol", Key: "abc"}
	raw, err := EncodeIntent(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeIntent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}
