package experiment

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Nested fields like
// assignments and tasks are JSON-encoded into single hash fields, keeping ids
// and flags individually readable from redis-cli.

// UnprocessedSuggestionToHash converts an UnprocessedSuggestion to a Redis hash.
func UnprocessedSuggestionToHash(u *UnprocessedSuggestion) (map[string]interface{}, error) {
	assignmentsJSON, err := json.Marshal(u.Assignments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assignments: %w", err)
	}

	taskJSON := ""
	if u.Task != nil {
		b, err := json.Marshal(u.Task)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task: %w", err)
		}
		taskJSON = string(b)
	}

	return map[string]interface{}{
		"id":                   u.ID,
		"experiment_id":        u.ExperimentID,
		"source":               string(u.Source),
		"assignments":          string(assignmentsJSON),
		"task":                 taskJSON,
		"generated_at_ms":      u.GeneratedAtMs,
		"queued_suggestion_id": u.QueuedSuggestionID,
	}, nil
}

// HashToUnprocessedSuggestion converts a Redis hash to an UnprocessedSuggestion.
func HashToUnprocessedSuggestion(hash map[string]string) (*UnprocessedSuggestion, error) {
	id, err := strconv.ParseInt(hash["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid id field: %w", err)
	}
	experimentID, err := strconv.ParseInt(hash["experiment_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid experiment_id field: %w", err)
	}

	var assignments Assignments
	if err := json.Unmarshal([]byte(hash["assignments"]), &assignments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignments: %w", err)
	}

	task, err := decodeTask(hash["task"])
	if err != nil {
		return nil, err
	}

	generatedAtMs, _ := strconv.ParseInt(hash["generated_at_ms"], 10, 64)
	queuedID, _ := strconv.ParseInt(hash["queued_suggestion_id"], 10, 64)

	return &UnprocessedSuggestion{
		ID:                 id,
		ExperimentID:       experimentID,
		Source:             Source(hash["source"]),
		Assignments:        assignments,
		Task:               task,
		GeneratedAtMs:      generatedAtMs,
		QueuedSuggestionID: queuedID,
	}, nil
}

// ProcessedSuggestionToHash converts a ProcessedSuggestion to a Redis hash.
// Booleans are stored as "1"/"0".
func ProcessedSuggestionToHash(p *ProcessedSuggestion) (map[string]interface{}, error) {
	clientDataJSON, err := json.Marshal(p.ClientProvidedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client_provided_data: %w", err)
	}

	return map[string]interface{}{
		"suggestion_id":        p.SuggestionID,
		"experiment_id":        p.ExperimentID,
		"processed_at_ms":      p.ProcessedAtMs,
		"deleted":              boolField(p.Deleted),
		"automatic":            boolField(p.Automatic),
		"client_provided_data": string(clientDataJSON),
		"queued_suggestion_id": p.QueuedSuggestionID,
	}, nil
}

// HashToProcessedSuggestion converts a Redis hash to a ProcessedSuggestion.
func HashToProcessedSuggestion(hash map[string]string) (*ProcessedSuggestion, error) {
	suggestionID, err := strconv.ParseInt(hash["suggestion_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid suggestion_id field: %w", err)
	}
	experimentID, err := strconv.ParseInt(hash["experiment_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid experiment_id field: %w", err)
	}

	var clientData map[string]string
	if raw := hash["client_provided_data"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &clientData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client_provided_data: %w", err)
		}
	}

	processedAtMs, _ := strconv.ParseInt(hash["processed_at_ms"], 10, 64)
	queuedID, _ := strconv.ParseInt(hash["queued_suggestion_id"], 10, 64)

	return &ProcessedSuggestion{
		SuggestionID:       suggestionID,
		ExperimentID:       experimentID,
		ProcessedAtMs:      processedAtMs,
		Deleted:            hash["deleted"] == "1",
		Automatic:          hash["automatic"] == "1",
		ClientProvidedData: clientData,
		QueuedSuggestionID: queuedID,
	}, nil
}

// hashArgs flattens a hash into alternating field/value arguments for Lua scripts.
func hashArgs(hash map[string]interface{}) []interface{} {
	args := make([]interface{}, 0, len(hash)*2)
	for k, v := range hash {
		args = append(args, k, v)
	}
	return args
}

func decodeTask(raw string) (*Task, error) {
	if raw == "" {
		return nil, nil
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
