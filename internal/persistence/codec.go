package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/flume/pkg/api"
)

// EncodeState serializes a flow state using encoding/gob. Only exported
// fields are encoded; the change-tracking bitmask and field name table are
// runtime-only and deliberately excluded.
func EncodeState(s api.FlowState) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeState decodes a payload produced by EncodeState into an existing
// state instance of the same concrete type, typically one freshly built by
// the flow's state factory so the field name table is already in place.
func DecodeState(data []byte, into api.FlowState) error {
	if len(data) == 0 {
		return nil
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(into)
}
