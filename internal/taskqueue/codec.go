package taskqueue

import (
	"bytes"
	"encoding/gob"
)

// EncodeTask serializes a Task with encoding/gob, for queue backends that
// store opaque payloads (Redis, MongoDB).
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTask deserializes a payload produced by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}
