package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/jobflow/pkg/api"
)

// Job payloads are JSON all the way through: args, results and flow state
// are JSON values in the data model, so they are stored as JSON text.

func encodeJSON(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case json.RawMessage:
		return string(x), nil
	case *api.FlowDefinition:
		if x == nil {
			return "", nil
		}
	case *api.FlowStatus:
		if x == nil {
			return "", nil
		}
	case *api.JobError:
		if x == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return string(b), nil
}

func decodeFlow(s string) (*api.FlowDefinition, error) {
	if s == "" {
		return nil, nil
	}
	var def api.FlowDefinition
	if err := json.Unmarshal([]byte(s), &def); err != nil {
		return nil, fmt.Errorf("decode raw_flow: %w", err)
	}
	return &def, nil
}

func decodeFlowStatus(s string) (*api.FlowStatus, error) {
	if s == "" {
		return nil, nil
	}
	var fs api.FlowStatus
	if err := json.Unmarshal([]byte(s), &fs); err != nil {
		return nil, fmt.Errorf("decode flow_status: %w", err)
	}
	return &fs, nil
}

func decodeJobError(s string) (*api.JobError, error) {
	if s == "" {
		return nil, nil
	}
	var je api.JobError
	if err := json.Unmarshal([]byte(s), &je); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return &je, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// Timestamps are unix nanoseconds; zero means unset.

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
