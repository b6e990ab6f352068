package taskqueue

import (
	"testing"
	"time"
)

func TestEncodeDecodeTask_RoundTrip(t *testing.T) {
	src := Task{
		ID:         "task-1",
		FlowID:     "flow-1",
		StateID:    "state-1",
		EnqueuedAt: time.Now().Truncate(time.Millisecond),
		NotBefore:  time.Now().Add(time.Minute).Truncate(time.Millisecond),
		Attempts:   3,
	}

	data, err := EncodeTask(src)
	if err != nil {
		t.Fatalf("EncodeTask failed: %v", err)
	}

	got, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask failed: %v", err)
	}
	if got.ID != src.ID || got.FlowID != src.FlowID || got.StateID != src.StateID {
		t.Fatalf("identity fields not restored: %+v", got)
	}
	if !got.EnqueuedAt.Equal(src.EnqueuedAt) || !got.NotBefore.Equal(src.NotBefore) {
		t.Fatalf("timestamps not restored: %+v", got)
	}
	if got.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.Attempts)
	}
}

func TestDecodeTask_GarbageFails(t *testing.T) {
	if _, err := DecodeTask([]byte("not gob")); err == nil {
		t.Fatalf("expected decode error for garbage payload")
	}
}
