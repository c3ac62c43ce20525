package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Grouper derives the ordering key of a message from its deserialized body.
// UnparseGroupKey and ApplyGroupKey are inverses over the grouping field.
type Grouper interface {
	UnparseGroupKey(m Message) (string, error)
	ApplyGroupKey(m Message, key string) (Message, error)
	ValidateUnpersisted(m Message) error
}

// ExperimentGrouper groups messages by their experiment_id field.
type ExperimentGrouper struct{}

const groupField = "experiment_id"

// UnparseGroupKey returns the stringified experiment id of m.
func (ExperimentGrouper) UnparseGroupKey(m Message) (string, error) {
	var fields struct {
		ExperimentID *int64 `json:"experiment_id"`
	}
	if len(m.Body) == 0 {
		return "", fmt.Errorf("%s message has no body to group by", m.Type)
	}
	if err := json.Unmarshal(m.Body, &fields); err != nil {
		return "", fmt.Errorf("failed to read group key of %s message: %w", m.Type, err)
	}
	if fields.ExperimentID == nil || *fields.ExperimentID <= 0 {
		return "", fmt.Errorf("%s message has no %s", m.Type, groupField)
	}
	return strconv.FormatInt(*fields.ExperimentID, 10), nil
}

// ApplyGroupKey returns a copy of m with its experiment_id set from key. Other
// body fields are preserved; a blank body becomes an object holding only the
// grouping field.
func (ExperimentGrouper) ApplyGroupKey(m Message, key string) (Message, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil || id <= 0 {
		return Message{}, fmt.Errorf("invalid group key %q: must be a positive experiment id", key)
	}

	fields := map[string]json.RawMessage{}
	if len(m.Body) > 0 {
		if err := json.Unmarshal(m.Body, &fields); err != nil {
			return Message{}, fmt.Errorf("failed to read %s body: %w", m.Type, err)
		}
	}
	fields[groupField] = json.RawMessage(strconv.FormatInt(id, 10))

	body, err := json.Marshal(fields)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s body: %w", m.Type, err)
	}
	return Message{Type: m.Type, Body: body}, nil
}

// ValidateUnpersisted round-trips the group key through a blank copy of m and
// checks that the copy groups the same way.
func (g ExperimentGrouper) ValidateUnpersisted(m Message) error {
	key, err := g.UnparseGroupKey(m.Clone())
	if err != nil {
		return err
	}
	rebuilt, err := g.ApplyGroupKey(Message{Type: m.Type}, key)
	if err != nil {
		return err
	}
	again, err := g.UnparseGroupKey(rebuilt)
	if err != nil {
		return err
	}
	if again != key {
		return fmt.Errorf("group key of %s message does not round trip: %q != %q", m.Type, again, key)
	}
	return nil
}
