// Package apiv1 is the wire contract of taskpilot.v1.TaskService: plain Go
// messages carried by Connect with a JSON codec.
package apiv1

import (
	"encoding/json"
	"fmt"
)

// JSONCodec replaces Connect's protojson codec so messages can be plain
// structs.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", msg, err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", msg, err)
	}
	return nil
}
