package store

import (
	"github.com/goccy/go-json"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// Records are persisted as JSON. Payloads come back in JSON shape
// (map[string]interface{}, []interface{}, float64).

func encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeExecution(data []byte) (*workflow.Execution, error) {
	var exec workflow.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func decodeWorkflow(data []byte) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func decodeLogEntry(data []byte) (workflow.LogEntry, error) {
	var entry workflow.LogEntry
	err := json.Unmarshal(data, &entry)
	return entry, err
}

// pageBounds clamps offset and limit to a slice of length n.
func pageBounds(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
